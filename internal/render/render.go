// Package render shells out to ImageMagick for the two image jobs the bot
// needs: flattening the mealplan PDF to a PNG and drawing the level-up
// banner. Raw bytes in, raw bytes out.
package render

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const convertTimeout = 30 * time.Second

type Converter struct {
	// BannerPath is the level-up banner template image.
	BannerPath string
	// FontPath is the font used for banner text.
	FontPath string
}

// PDFToPNG flattens a PDF document into a single PNG image.
func (c *Converter) PDFToPNG(ctx context.Context, pdf []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "convert", "-density", "300", "pdf:-", "-flatten", "png:-")
	cmd.Stdin = bytes.NewReader(pdf)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("convert pdf: %w (%s)", err, stderr.String())
	}
	return out.Bytes(), nil
}

// LevelUpBanner draws the member's display name and new level onto the
// banner template.
func (c *Converter) LevelUpBanner(ctx context.Context, displayName string, level int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "convert",
		c.BannerPath,
		"-font", c.FontPath,
		"-gravity", "West",
		"-pointsize", "35",
		"-fill", "white",
		"-draw", fmt.Sprintf("text 280,-30 '%s has reached'", sanitize(displayName)),
		"-draw", fmt.Sprintf("text 280,45 'LEVEL %d'", level),
		"png:-",
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("render banner: %w (%s)", err, stderr.String())
	}
	return out.Bytes(), nil
}

// sanitize strips quotes that would break the -draw primitive string.
func sanitize(s string) string {
	b := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' || r == '"' || r == '\\' {
			continue
		}
		b = append(b, r)
	}
	return string(b)
}
