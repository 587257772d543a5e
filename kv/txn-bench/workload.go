package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/operation"
	"github.com/pingcap-incubator/tinytxn/kv/session"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type workloadConfig struct {
	table       string
	recordCount int
	opCount     int
	valueSize   int
	// batch is the number of operations sent in one transaction.
	batch       int
	readProp    float64
	updateProp  float64
	scanProp    float64
	target      int
	uniqueIndex bool
}

func (c *workloadConfig) validate() error {
	if c.recordCount <= 0 {
		return errors.New("record count must be greater than 0")
	}
	if c.batch <= 0 {
		return errors.New("batch size must be greater than 0")
	}
	if c.readProp < 0 || c.updateProp < 0 || c.scanProp < 0 || c.readProp+c.updateProp+c.scanProp <= 0 {
		return errors.New("operation proportions must be non-negative and not all zero")
	}
	return nil
}

func recordKey(i int) []byte {
	return []byte(fmt.Sprintf("user%010d", i))
}

type workload struct {
	cfg     workloadConfig
	m       *measurement
	limiter *rate.Limiter
}

func newWorkload(cfg workloadConfig, m *measurement) *workload {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.target > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.target), 1)
	}
	return &workload{cfg: cfg, m: m, limiter: limiter}
}

// execute runs ops through a new autocommit handler and waits for the callback.
func execute(ctx context.Context, sess *session.Session, ops []transaction.Operation) error {
	done := make(chan error, 1)
	sess.NewTransactionHandler().Execute(ops, func(err error, h *transaction.Handler) {
		done <- err
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resultError returns the error attached to op, or nil when it succeeded.
func resultError(op transaction.Operation) error {
	res := op.Result()
	if res.Success || res.Error == nil {
		return nil
	}
	return res.Error
}

// load inserts recordCount rows split over the sessions.
func (w *workload) load(ctx context.Context, sessions []*session.Session) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(sessions))
	per := (w.cfg.recordCount + len(sessions) - 1) / len(sessions)
	for i, sess := range sessions {
		begin, end := i*per, (i+1)*per
		if end > w.cfg.recordCount {
			end = w.cfg.recordCount
		}
		wg.Add(1)
		go func(sess *session.Session, begin, end int, seed int64) {
			defer wg.Done()
			errCh <- w.loadRange(ctx, sess, begin, end, rand.New(rand.NewSource(seed)))
		}(sess, begin, end, int64(i))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *workload) loadRange(ctx context.Context, sess *session.Session, begin, end int, r *rand.Rand) error {
	for i := begin; i < end; i += w.cfg.batch {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		var ops []transaction.Operation
		size := 0
		for j := i; j < end && j < i+w.cfg.batch; j++ {
			value := w.value(r)
			op := operation.NewInsert(w.cfg.table, recordKey(j), value)
			if w.cfg.uniqueIndex {
				op.WithUniqueIndex("field0", recordKey(j))
			}
			ops = append(ops, op)
			size += len(value)
		}
		start := time.Now()
		err := execute(ctx, sess, ops)
		if err == context.Canceled {
			return nil
		}
		for _, op := range ops {
			if err == nil {
				err = resultError(op)
			}
		}
		w.m.measure("INSERT", start, err, size)
		if err != nil {
			log.L().Warn("insert failed", zap.Int("key", i), zap.Error(err))
		}
	}
	return nil
}

// run issues opCount operations split over the sessions.
func (w *workload) run(ctx context.Context, sessions []*session.Session) {
	var wg sync.WaitGroup
	per := (w.cfg.opCount + len(sessions) - 1) / len(sessions)
	for i, sess := range sessions {
		wg.Add(1)
		go func(sess *session.Session, seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for n := 0; n < per; n++ {
				if err := w.limiter.Wait(ctx); err != nil {
					return
				}
				if !w.runOne(ctx, sess, r) {
					return
				}
			}
		}(sess, time.Now().UnixNano()+int64(i))
	}
	wg.Wait()
}

// runOne picks and runs one operation. It returns false once ctx is cancelled.
func (w *workload) runOne(ctx context.Context, sess *session.Session, r *rand.Rand) bool {
	key := recordKey(r.Intn(w.cfg.recordCount))
	total := w.cfg.readProp + w.cfg.updateProp + w.cfg.scanProp
	p := r.Float64() * total

	var (
		name string
		op   transaction.Operation
		size int
	)
	switch {
	case p < w.cfg.readProp:
		name, op = "READ", operation.NewRead(w.cfg.table, key)
	case p < w.cfg.readProp+w.cfg.updateProp:
		value := w.value(r)
		name, op, size = "UPDATE", operation.NewUpdate(w.cfg.table, key, value), len(value)
	default:
		name, op = "SCAN", operation.NewScan(w.cfg.table)
	}
	start := time.Now()
	err := execute(ctx, sess, []transaction.Operation{op})
	if err == context.Canceled {
		return false
	}
	if err == nil {
		err = resultError(op)
	}
	w.m.measure(name, start, err, size)
	return true
}

func (w *workload) value(r *rand.Rand) []byte {
	buf := make([]byte, w.cfg.valueSize)
	r.Read(buf)
	return buf
}
