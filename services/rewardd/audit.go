package rewardd

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"keeprewards/core/events"
	"keeprewards/observability"
)

// ErrAuditTampered is returned by Verify when the digest chain is broken.
var ErrAuditTampered = errors.New("audit: digest chain broken")

// AuditRecord is one persisted engine event. Digest chains every record to
// its predecessor so edits and deletions are detectable.
type AuditRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Seq        uint64    `gorm:"uniqueIndex" json:"seq"`
	EventType  string    `gorm:"size:64;index" json:"type"`
	Subject    string    `gorm:"size:66;index" json:"subject"`
	Amount     string    `gorm:"size:80" json:"amount,omitempty"`
	Attributes string    `gorm:"type:text" json:"attributes"`
	Digest     string    `gorm:"size:64" json:"digest"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// OpenAuditDB opens the audit database named by dsn.
func OpenAuditDB(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return db, nil
}

// AuditStore appends engine events to SQL. It implements events.Emitter.
type AuditStore struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seq  uint64
	head [32]byte
}

// NewAuditStore migrates the audit schema and resumes the digest chain from
// the newest stored record.
func NewAuditStore(db *gorm.DB, logger *slog.Logger) (*AuditStore, error) {
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	store := &AuditStore{db: db, logger: logger, now: time.Now}
	var latest []AuditRecord
	if err := db.Order("seq DESC").Limit(1).Find(&latest).Error; err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	}
	if len(latest) == 1 {
		head, err := decodeDigest(latest[0].Digest)
		if err != nil {
			return nil, fmt.Errorf("audit record %d: %w", latest[0].Seq, err)
		}
		store.seq = latest[0].Seq
		store.head = head
	}
	return store, nil
}

// Emit persists evt. Failures are logged; the engine state change already
// committed.
func (s *AuditStore) Emit(evt events.Event) {
	payload := evt.Event()
	if payload == nil {
		return
	}
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		s.logger.Warn("audit: encode attributes", slog.String("type", payload.Type), slog.Any("error", err))
		return
	}
	subject := payload.Attr("keep")
	if subject == "" {
		subject = payload.Attr("root")
	}
	if subject == "" {
		subject = payload.Attr("interval")
	}
	amount := payload.Attr("amount")
	if amount == "" {
		amount = payload.Attr("share")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record := AuditRecord{
		ID:         uuid.New(),
		Seq:        s.seq + 1,
		EventType:  payload.Type,
		Subject:    subject,
		Amount:     amount,
		Attributes: string(attrs),
		CreatedAt:  s.now().UTC(),
	}
	digest := chainDigest(s.head, &record)
	record.Digest = hex.EncodeToString(digest[:])
	if err := s.db.Create(&record).Error; err != nil {
		s.logger.Warn("audit: persist event", slog.String("type", payload.Type), slog.Any("error", err))
		return
	}
	s.seq = record.Seq
	s.head = digest
}

// AuditFilter narrows List results.
type AuditFilter struct {
	Type    string
	Subject string
	Limit   int
}

func (s *AuditStore) query(ctx context.Context, filter AuditFilter) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&AuditRecord{})
	if filter.Type != "" {
		query = query.Where("event_type = ?", filter.Type)
	}
	if filter.Subject != "" {
		query = query.Where("subject = ?", filter.Subject)
	}
	return query
}

// List returns the newest matching records first.
func (s *AuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []AuditRecord
	if err := s.query(ctx, filter).Order("seq DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Verify recomputes the digest chain and returns the number of records
// checked.
func (s *AuditStore) Verify(ctx context.Context) (int, error) {
	var records []AuditRecord
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&records).Error; err != nil {
		return 0, err
	}
	var prev [32]byte
	for i := range records {
		record := &records[i]
		if record.Seq != uint64(i+1) {
			return i, fmt.Errorf("%w: expected seq %d, found %d", ErrAuditTampered, i+1, record.Seq)
		}
		want := chainDigest(prev, record)
		if hex.EncodeToString(want[:]) != record.Digest {
			return i, fmt.Errorf("%w: record %d", ErrAuditTampered, record.Seq)
		}
		prev = want
	}
	return len(records), nil
}

type auditParquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventType  string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Subject    string `parquet:"name=subject, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every matching record, oldest first, as a parquet file
// for settlement reconciliation. filter.Limit is ignored.
func (s *AuditStore) ExportParquet(ctx context.Context, w io.Writer, filter AuditFilter) (int, error) {
	var records []AuditRecord
	if err := s.query(ctx, filter).Order("seq ASC").Find(&records).Error; err != nil {
		return 0, err
	}
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(auditParquetRow), 1)
	if err != nil {
		return 0, fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, record := range records {
		row := &auditParquetRow{
			Seq:        int64(record.Seq),
			ID:         record.ID.String(),
			EventType:  record.EventType,
			Subject:    record.Subject,
			Amount:     record.Amount,
			Attributes: record.Attributes,
			Digest:     record.Digest,
			CreatedAt:  record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return 0, fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("audit: parquet flush: %w", err)
	}
	return len(records), nil
}

func chainDigest(prev [32]byte, record *AuditRecord) [32]byte {
	var buf bytes.Buffer
	buf.Write(prev[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], record.Seq)
	buf.Write(seq[:])
	for _, field := range []string{record.EventType, record.Subject, record.Amount, record.Attributes} {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(field)))
		buf.Write(length[:])
		buf.WriteString(field)
	}
	return blake3.Sum256(buf.Bytes())
}

func decodeDigest(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("digest must be %d bytes", len(out))
	}
	copy(out[:], decoded)
	return out, nil
}

// metricsEmitter counts engine events by type.
type metricsEmitter struct{}

func (metricsEmitter) Emit(evt events.Event) {
	observability.Events().RecordEvent(evt.EventType())
}
