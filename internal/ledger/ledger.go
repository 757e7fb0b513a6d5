// Package ledger records built images and cluster runs so an operator can see
// what exists and where a failed run stopped.
package ledger

import (
	"context"
	"time"

	"boxforge/internal/logging"

	"go.uber.org/zap"
)

// WriteTimeout bounds a single ledger write.
const WriteTimeout = 10 * time.Second

// Member statuses of a cluster run.
const (
	MemberPending = "pending"
	MemberRunning = "running"
	MemberFailed  = "failed"
)

// Run statuses.
const (
	RunProvisioning = "provisioning"
	RunSetup        = "setup"
	RunCompleted    = "completed"
	RunFailed       = "failed"
)

// ImageRecord describes one registered role image.
type ImageRecord struct {
	Identity     string    `json:"identity"`
	Distribution string    `json:"distribution"`
	Build        string    `json:"build"`
	Role         string    `json:"role"`
	BaseImage    string    `json:"base_image"`
	BundlePath   string    `json:"bundle_path"`
	DiskPath     string    `json:"disk_path"`
	MirrorURL    string    `json:"mirror_url,omitempty"`
	BuiltAt      time.Time `json:"built_at"`
}

// MemberRecord is the state of one cluster member.
type MemberRecord struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Address string `json:"address"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// RunRecord is the state of one cluster run.
type RunRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Distribution string         `json:"distribution"`
	Build        string         `json:"build"`
	Dir          string         `json:"dir"`
	Status       string         `json:"status"`
	Coordinator  string         `json:"coordinator,omitempty"`
	Members      []MemberRecord `json:"members"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Ledger persists image and run records
type Ledger interface {
	RecordImage(ctx context.Context, record ImageRecord) error
	Image(ctx context.Context, identity string) (ImageRecord, bool, error)
	Images(ctx context.Context) ([]ImageRecord, error)
	RecordRun(ctx context.Context, record RunRecord) error
	Runs(ctx context.Context) ([]RunRecord, error)
	Close() error
}

// New picks the etcd ledger when endpoints are configured and reachable and
// falls back to the file ledger at path otherwise.
func New(etcdEndpoints []string, path string) Ledger {
	if len(etcdEndpoints) == 0 {
		logging.Logger().Info("No etcd endpoints configured, using file ledger",
			zap.String("path", path))
		return NewFileLedger(path)
	}

	l, err := NewEtcdLedger(etcdEndpoints)
	if err != nil {
		logging.Logger().Warn("Failed to connect to etcd, falling back to file ledger",
			zap.Error(err))
		return NewFileLedger(path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := l.kv.Get(ctx, "/test_connection"); err != nil {
		logging.Logger().Warn("etcd connection test failed, falling back to file ledger",
			zap.Error(err))
		l.Close()
		return NewFileLedger(path)
	}

	logging.Logger().Info("Connected to etcd for ledger storage",
		zap.Strings("endpoints", etcdEndpoints))
	return l
}
