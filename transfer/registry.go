// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package transfer streams job input and output pipes over HTTP,
// keeping bulk data off the websocket control channel.
package transfer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/job"
)

// ClaimWindow is how long a registered download stays claimable.
const ClaimWindow = 60 * time.Second

type download struct {
	job      *job.Job
	filename string
	timer    *clock.Timer
}

// Registry tracks claimable job downloads.  Each registration mints
// a one-time token; an unclaimed token expires after ClaimWindow and
// the job's output pipe is closed so the producer does not block
// forever on a reader that never came.
type Registry struct {
	logger *logrus.Entry
	clock  clock.Clock

	mu        sync.Mutex
	downloads map[string]*download
}

// NewRegistry creates an empty download registry.
func NewRegistry(logger *logrus.Logger, clk clock.Clock) *Registry {
	return &Registry{
		logger:    logger.WithField("component", "transfer"),
		clock:     clk,
		downloads: make(map[string]*download),
	}
}

// RegisterDownload makes j's output claimable under a fresh token
// for the next ClaimWindow.
func (r *Registry) RegisterDownload(j *job.Job, filename string) string {
	token := uuid.NewV4().String()
	d := &download{job: j, filename: filename}
	d.timer = r.clock.AfterFunc(ClaimWindow, func() { r.expire(token) })

	r.mu.Lock()
	r.downloads[token] = d
	r.mu.Unlock()
	return token
}

func (r *Registry) expire(token string) {
	r.mu.Lock()
	d, ok := r.downloads[token]
	delete(r.downloads, token)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Debugf("Download of job %d expired unclaimed", d.job.ID())
	if pipe := d.job.Pipes().Output; pipe != nil {
		pipe.Close()
	}
}

// claim redeems a token.  Tokens are one-shot: a successful claim
// stops the expiry timer and removes the registration.
func (r *Registry) claim(token string) (*download, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[token]
	if !ok {
		return nil, false
	}
	d.timer.Stop()
	delete(r.downloads, token)
	return d, true
}

// Pending returns how many downloads are registered and unclaimed.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.downloads)
}
