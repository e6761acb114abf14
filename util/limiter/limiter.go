// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package limiter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter bounds the concurrency and the rate of outgoing requests.
	Limiter interface {
		Acquire(ctx context.Context) error
		Release()
		SetConcurrency(value uint32)
		SetQPS(qps int)
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		Concurrency int `json:"concurrency"`
		QPS         int `json:"qps"`
	}
	Status struct {
		Config  LimitConfig
		Running int
		Wait    int
	}
	limiter struct {
		config     LimitConfig
		countLimit CountLimit
		rate       *rate.Limiter
	}
)

// NewLimiter returns a limiter; a zero concurrency or qps disables that bound.
func NewLimiter(cfg LimitConfig) Limiter {
	lim := &limiter{config: cfg}
	if cfg.Concurrency > 0 {
		lim.countLimit = NewCountLimit(cfg.Concurrency)
	}
	if cfg.QPS > 0 {
		lim.rate = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.QPS)
	}
	return lim
}

func (lim *limiter) Acquire(ctx context.Context) error {
	if lim.countLimit != nil {
		if err := lim.countLimit.Acquire(); err != nil {
			return err
		}
	}
	if lim.rate != nil {
		if err := lim.rate.Wait(ctx); err != nil {
			lim.Release()
			return err
		}
	}
	return nil
}

func (lim *limiter) Release() {
	if lim.countLimit != nil {
		lim.countLimit.Release()
	}
}

func (lim *limiter) SetConcurrency(value uint32) {
	if lim.countLimit == nil {
		return
	}
	lim.config.Concurrency = int(value)
	lim.countLimit.SetLimit(value)
}

func (lim *limiter) SetQPS(qps int) {
	if lim.rate == nil {
		return
	}
	lim.config.QPS = qps
	lim.rate.SetLimit(rate.Limit(qps))
	lim.rate.SetBurst(qps)
}

func (lim *limiter) Status() Status {
	st := Status{Config: lim.config}
	if lim.countLimit != nil {
		st.Running = lim.countLimit.Running()
	}
	st.Wait = rateWait(lim.rate)
	return st
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
