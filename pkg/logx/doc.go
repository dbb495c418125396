// Package logx configures faculty-bot's structured logging.
//
// Workers take a plain zerolog.Logger; this package only owns the
// console bootstrap (short timestamp, level from the environment).
package logx
