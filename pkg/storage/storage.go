// Package storage persists the controller's state file and its action audit
// trail. Providers are selected by flag; the file provider is the default.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/relaypilot/relaypilot/pkg/outputs"
	"github.com/relaypilot/relaypilot/pkg/scheduler"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// ProbeReading is one logged temperature probe sample.
type ProbeReading struct {
	Time  time.Time `json:"time"`
	TempC *float64  `json:"tempC"`
}

// TempProbeLog holds recent readings keyed by probe name.
type TempProbeLog map[string][]ProbeReading

// StateFile is the persisted system state document.
type StateFile struct {
	SchemaVersion    int             `json:"SchemaVersion"`
	StateFileType    string          `json:"StateFileType"`
	DeviceName       string          `json:"DeviceName"`
	SaveTime         time.Time       `json:"SaveTime"`
	Outputs          []outputs.State `json:"Outputs"`
	Scheduler        scheduler.State `json:"Scheduler"`
	TempProbeLogging TempProbeLog    `json:"TempProbeLogging,omitempty"`
}

// ActionRecord is one completed (or failed) output action, kept as an audit
// trail for the admin surface.
type ActionRecord struct {
	Timestamp   time.Time            `json:"timestamp"`
	Output      string               `json:"output"`
	Type        types.ActionType     `json:"type"`
	SystemState types.SystemState    `json:"systemState"`
	ReasonOn    types.StateReasonOn  `json:"reasonOn,omitempty"`
	ReasonOff   types.StateReasonOff `json:"reasonOff,omitempty"`
	OK          bool                 `json:"ok"`
	Error       string               `json:"error,omitempty"`
}

// Store persists state documents and action history.
type Store interface {
	// LoadState returns the saved state for the named controller, or nil when
	// none has been saved yet.
	LoadState(ctx context.Context, deviceName string) (*StateFile, error)
	SaveState(ctx context.Context, state StateFile) error

	InsertAction(ctx context.Context, deviceName string, rec ActionRecord) error
	GetActionHistory(ctx context.Context, deviceName string, start, end time.Time) ([]ActionRecord, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Store based on flags.
func Configured() Store {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Store }

	file := configuredFile()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := file.Validate(); err != nil {
				panic(fmt.Sprintf("file storage validation failed: %v", err))
			}
			p.Store = file
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Store = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
