// Package metrics records connection and message counters
// as local CSV files, for simple setups without an external
// metrics pipeline. Failures only log, they never propagate.
package metrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tzrikka/xdg"
)

const (
	DefaultConnsFile    = "metrics/cymbal_conns_%s.csv"
	DefaultMessagesFile = "metrics/cymbal_messages_%s.csv"

	fileFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY
	filePerms = xdg.NewFilePermissions
)

var (
	muConns sync.Mutex
	muMsgs  sync.Mutex
)

// CountConnEvent counts connection lifecycle events: accepts,
// completed handshakes, handshake failures, disconnects.
func CountConnEvent(l zerolog.Logger, t time.Time, event string, connIndex int) {
	muConns.Lock()
	defer muConns.Unlock()

	record := []string{t.Format(time.RFC3339), event, strconv.Itoa(connIndex)}
	if err := appendToCSVFile(DefaultConnsFile, t, record); err != nil {
		l.Error().Err(err).Str("event", event).Int("conn", connIndex).
			Msg("metrics error: failed to count connection event")
	}
}

// CountMessage counts data messages moving through the endpoint,
// in either direction.
func CountMessage(l zerolog.Logger, t time.Time, direction, opcode string, length int) {
	muMsgs.Lock()
	defer muMsgs.Unlock()

	record := []string{t.Format(time.RFC3339), direction, opcode, strconv.Itoa(length)}
	if err := appendToCSVFile(DefaultMessagesFile, t, record); err != nil {
		l.Error().Err(err).Str("direction", direction).
			Msg("metrics error: failed to count message")
	}
}

func appendToCSVFile(filename string, t time.Time, record []string) error {
	filename = fmt.Sprintf(filename, t.Format(time.DateOnly))
	f, err := os.OpenFile(filename, fileFlags, filePerms) //gosec:disable G304 // Hardcoded path.
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}
