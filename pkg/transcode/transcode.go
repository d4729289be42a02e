// Package transcode holds the boundary to the adjacent audio
// transcoding collaborator (Opus ↔ AAC). The engine itself never
// decodes; an implementation of AudioTranscoder plugs in behind a
// frame-callback subscription when a session needs codec conversion.
package transcode

import (
	"fmt"

	"github.com/ethan/webrtc-sfu/pkg/frame"
)

// AudioTranscoder converts audio frames between codecs. Implementations
// wrap an external codec library; the engine only routes frames.
type AudioTranscoder interface {
	// Input returns the format the transcoder consumes.
	Input() frame.Format
	// Output returns the format the transcoder produces.
	Output() frame.Format
	// Transcode converts one frame; it may buffer and return nil until
	// enough samples accumulate.
	Transcode(f *frame.Frame) (*frame.Frame, error)
	Close() error
}

// Passthrough is the identity transcoder used when publisher and
// subscriber agree on a codec.
type Passthrough struct {
	Format frame.Format
}

func (p *Passthrough) Input() frame.Format  { return p.Format }
func (p *Passthrough) Output() frame.Format { return p.Format }

func (p *Passthrough) Transcode(f *frame.Frame) (*frame.Frame, error) {
	if f.Format != p.Format {
		return nil, fmt.Errorf("passthrough got %s, expected %s", f.Format, p.Format)
	}
	return f, nil
}

func (p *Passthrough) Close() error { return nil }
