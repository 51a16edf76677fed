// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package job

import "os"

// Pipe is one OS-level byte stream with a read end and a write end.
// Jobs stream bulk data through pipes so payload size is never
// limited by the control channel's message framing.
type Pipe struct {
	R *os.File
	W *os.File
}

// NewPipe creates a connected pipe pair.
func NewPipe() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Pipe{R: r, W: w}, nil
}

// Close closes both ends.  Ends already closed are ignored.
func (p *Pipe) Close() error {
	var first error
	if err := p.R.Close(); err != nil && first == nil {
		first = err
	}
	if err := p.W.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Pipes holds the optional input and output streams of one job.
type Pipes struct {
	Input  *Pipe
	Output *Pipe
}

// Close closes every end of every open pipe.
func (p *Pipes) Close() error {
	var first error
	if p.Input != nil {
		if err := p.Input.Close(); err != nil && first == nil {
			first = err
		}
	}
	if p.Output != nil {
		if err := p.Output.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// closeJobEnds closes the ends the job body uses: the input read end
// and the output write end.  The transfer endpoints own the other
// two.
func (p *Pipes) closeJobEnds() {
	if p.Input != nil {
		p.Input.R.Close()
	}
	if p.Output != nil {
		p.Output.W.Close()
	}
}
