// Package runlog implements the orchestrator's log fan-out and streaming.
//
// The Recorder appends a run's log line to the store and publishes the same
// frame on the run's broker channel in one logical step. Persistence is the
// source of truth: when the row cannot be written no publish happens, and a
// publish failure after the write is swallowed so execution never stalls on
// a flaky pub/sub path. Subscribers that miss a live frame observe it on
// reconnect through the replay path.
//
// The Streamer serves one subscriber: it replays the most recent persisted
// rows in id order, then forwards live broker frames until the subscriber
// goes away. Stream pushes encoded frames through a callback; Subscribe
// returns typed channels for callers that need to select against other
// events, such as a websocket read pump.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/store"
)

type (
	// RecorderOptions configures a Recorder.
	RecorderOptions struct {
		// Store persists log rows. Required.
		Store *store.Store
		// Broker carries the live frames. Required.
		Broker *broker.Broker
	}

	// Recorder fans one log line out to the store and the run's channel.
	Recorder struct {
		store  *store.Store
		broker *broker.Broker
	}

	// StreamerOptions configures a Streamer.
	StreamerOptions struct {
		// Store serves the replay reads. Required.
		Store *store.Store
		// Broker delivers the live frames. Required.
		Broker *broker.Broker
		// ReplayLimit bounds how many persisted rows are replayed to a new
		// subscriber. Defaults to 200.
		ReplayLimit int
		// Buffer is the live-frame channel capacity on top of the replay
		// allowance. Defaults to 64.
		Buffer int
	}

	// Streamer bridges a run's log channel to one subscriber at a time.
	Streamer struct {
		store  *store.Store
		broker *broker.Broker
		replay int
		buffer int
	}
)

// DefaultReplayLimit is the number of persisted rows replayed to a new
// subscriber when no override is configured.
const DefaultReplayLimit = 200

// NewRecorder constructs a Recorder.
func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	return &Recorder{store: opts.Store, broker: opts.Broker}, nil
}

// Append persists one log line and publishes its live frame. The returned
// row carries the server-side id and timestamp. Publish failures are logged
// and swallowed.
func (r *Recorder) Append(ctx context.Context, runID string, level orchestrator.LogLevel, message string) (*orchestrator.RunLog, error) {
	row, err := r.store.AppendRunLog(ctx, runID, level, message)
	if err != nil {
		return nil, fmt.Errorf("append log for run %s: %w", runID, err)
	}
	if err := r.broker.PublishLog(ctx, frameFor(row)); err != nil {
		log.Errorf(ctx, err, "live log publish for run %s", runID)
	}
	return row, nil
}

// NewStreamer constructs a Streamer.
func NewStreamer(opts StreamerOptions) (*Streamer, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	replay := opts.ReplayLimit
	if replay <= 0 {
		replay = DefaultReplayLimit
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Streamer{store: opts.Store, broker: opts.Broker, replay: replay, buffer: buffer}, nil
}

// Stream replays the run's recent persisted logs and then forwards live
// frames until ctx is canceled or send fails. send is called sequentially
// with one JSON-encoded frame per log line; a send error ends the stream
// and is returned. Frames published between the replay read and the live
// subscription may be missed, which reconnecting subscribers recover
// through the next replay.
func (s *Streamer) Stream(ctx context.Context, runID string, send func([]byte) error) error {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return err
	}

	rows, err := s.store.TailRunLogs(ctx, runID, s.replay)
	if err != nil {
		return fmt.Errorf("replay logs for run %s: %w", runID, err)
	}
	for _, row := range rows {
		body, err := json.Marshal(frameFor(row))
		if err != nil {
			return fmt.Errorf("encode replay frame: %w", err)
		}
		if err := send(body); err != nil {
			return err
		}
	}

	sub, err := s.broker.SubscribeLogs(ctx, runID)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if err := send([]byte(msg.Payload)); err != nil {
				return err
			}
		}
	}
}

// Subscribe opens a typed stream of the run's log frames and returns channels
// for frames and errors. It replays the most recent persisted rows, then
// spawns a goroutine that decodes live broker payloads and emits them. The
// returned cancel function stops consumption and closes both channels.
//
// Usage:
//
//	frames, errs, cancel, err := str.Subscribe(ctx, runID)
//	defer cancel()
//	for f := range frames {
//	    // forward frame
//	}
//
// The channel is buffered to hold the full replay plus a live allowance; live
// frames that arrive while the buffer is full are dropped, and a reconnecting
// subscriber observes them through the next replay.
func (s *Streamer) Subscribe(ctx context.Context, runID string) (<-chan broker.LogFrame, <-chan error, context.CancelFunc, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, nil, nil, err
	}

	rows, err := s.store.TailRunLogs(ctx, runID, s.replay)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replay logs for run %s: %w", runID, err)
	}
	sub, err := s.broker.SubscribeLogs(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}

	frames := make(chan broker.LogFrame, s.replay+s.buffer)
	errs := make(chan error, 1)
	for _, row := range rows {
		frames <- *frameFor(row)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sub, frames, errs)
	return frames, errs, cancel, nil
}

// consume forwards live broker frames onto out until ctx is canceled or the
// subscription closes. Closes both channels and the subscription on exit. A
// frame that does not fit the buffer is dropped.
func (s *Streamer) consume(ctx context.Context, sub *broker.LogSubscription, out chan<- broker.LogFrame, errs chan<- error) {
	defer close(out)
	defer close(errs)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var frame broker.LogFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				errs <- fmt.Errorf("decode log frame: %w", err)
				return
			}
			select {
			case out <- frame:
			default:
			}
		}
	}
}

// frameFor converts a persisted row into its wire frame.
func frameFor(row *orchestrator.RunLog) *broker.LogFrame {
	return &broker.LogFrame{
		RunID:     row.RunID,
		Timestamp: row.CreatedAt.UTC().Format(time.RFC3339Nano),
		Level:     string(row.Level),
		Message:   row.Message,
	}
}
