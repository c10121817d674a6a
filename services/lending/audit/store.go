package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lendingcore/core/events"
)

// ErrUnsupportedDriver is returned by Open for unknown database drivers.
var ErrUnsupportedDriver = errors.New("audit: unsupported driver")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultLimit = 100
	maxLimit     = 1000
)

// Record is one persisted engine event.
type Record struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID         uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"id"`
	Type       string    `gorm:"index" json:"type"`
	Account    string    `gorm:"index" json:"account,omitempty"`
	Asset      string    `gorm:"index" json:"asset,omitempty"`
	Attributes string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Attrs decodes the stored attribute map.
func (r Record) Attrs() map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(r.Attributes) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(r.Attributes), &out)
	return out
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type     string
	Account  string
	Asset    string
	AfterSeq uint64
	Limit    int
}

// Store persists engine events with gorm. It satisfies events.Emitter so it
// can be attached directly to the engine.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing connection.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Persistence failures are logged; the engine
// has already committed by the time events are emitted.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	if _, err := s.Append(context.Background(), evt); err != nil {
		s.logger.Error("audit: persist event", "type", evt.EventType(), "error", err)
	}
}

// Append stores evt and returns the persisted record.
func (s *Store) Append(ctx context.Context, evt events.Event) (*Record, error) {
	if evt == nil {
		return nil, fmt.Errorf("audit: nil event")
	}
	attrs := map[string]string{}
	if typed, ok := evt.(events.Typed); ok {
		if rendered := typed.Event(); rendered != nil && rendered.Attributes != nil {
			attrs = rendered.Attributes
		}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("audit: encode attributes: %w", err)
	}
	record := &Record{
		ID:         uuid.New(),
		Type:       evt.EventType(),
		Account:    primaryAccount(attrs),
		Asset:      firstNonEmpty(attrs["asset"], attrs["repayAsset"]),
		Attributes: string(encoded),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	return record, nil
}

// List returns records in insertion order.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	query := s.db.WithContext(ctx).Model(&Record{}).Where("seq > ?", f.AfterSeq)
	if t := strings.TrimSpace(f.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	if account := strings.TrimSpace(f.Account); account != "" {
		query = query.Where("account = ?", account)
	}
	if asset := strings.TrimSpace(f.Asset); asset != "" {
		query = query.Where("asset = ?", asset)
	}
	var records []Record
	if err := query.Order("seq asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return records, nil
}

// Get loads a single record by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var record Record
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func primaryAccount(attrs map[string]string) string {
	return firstNonEmpty(attrs["user"], attrs["borrower"], attrs["onBehalfOf"], attrs["to"])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
