package server

import (
	"iter"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tzrikka/cymbal/pkg/stream"
)

// WaitForever makes the event loop's readiness wait
// block until at least one stream becomes ready.
const WaitForever = stream.WaitForever

// MultiUpdate runs one tick of readiness selection over the given
// containers and yields the resulting updates lazily.
//
// Per tick: every container's pre-select hook runs first (deadline
// checks may surface updates of their own); then one bounded readiness
// wait covers all live streams; then ready streams are dispatched in
// container order, reads first, then writes, then exceptional
// conditions, for determinism. A wait failure yields [KindSelectFailed]
// and ends the tick.
//
// The sequence is single-use. Abandoning iteration ends the tick early;
// no handler runs after the consumer stops.
func MultiUpdate(containers []StreamContainer, timeout time.Duration) iter.Seq[Update] {
	return func(yield func(Update) bool) {
		now := time.Now()
		for _, sc := range containers {
			for _, u := range sc.BeforeSelect(now) {
				if !yield(u) {
					return
				}
			}
		}

		var read, write, except []int
		for _, sc := range containers {
			if !sc.Live() {
				continue
			}
			fd := sc.Fd()
			read = append(read, fd)
			except = append(except, fd)
			if !sc.WriteBufferEmpty() {
				write = append(write, fd)
			}
		}
		if len(read) == 0 {
			return
		}

		ready, err := stream.Wait(read, write, except, timeout)
		if err != nil {
			log.Err(err).Msg("readiness wait failed")
			yield(Update{Kind: KindSelectFailed, Err: err})
			return
		}

		dispatch := func(set map[int]bool, handle func(StreamContainer) []Update) bool {
			for _, sc := range containers {
				fd := sc.Fd()
				if fd < 0 || !set[fd] {
					continue
				}
				if !sc.Live() {
					log.Debug().Int("fd", fd).Msg("skipping stream that died this tick")
					continue
				}
				for _, u := range handle(sc) {
					if !yield(u) {
						return false
					}
				}
			}
			return true
		}

		if !dispatch(ready.Read, StreamContainer.HandleRead) {
			return
		}
		if !dispatch(ready.Write, func(sc StreamContainer) []Update {
			if sc.WriteBufferEmpty() {
				return nil // Drained by an earlier handler this tick.
			}
			return sc.HandleWrite()
		}) {
			return
		}
		dispatch(ready.Exceptional, StreamContainer.HandleExceptional)
	}
}
