package resolver

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaywire/atrelay/internal/relay/models"
)

// plcOperationRow mirrors spec.md §6's plc_operations table.
type plcOperationRow struct {
	CID       string `gorm:"column:cid;primaryKey"`
	DID       string `gorm:"column:did;index"`
	CreatedAt string `gorm:"column:created_at;index"`
	Nullified bool   `gorm:"column:nullified"`
	Operation []byte `gorm:"column:operation"`
}

func (plcOperationRow) TableName() string { return "plc_operations" }

// plcKeyRow mirrors spec.md §6's plc_keys derived table: the latest
// (pds_endpoint, pds_key) / (labeler_endpoint, labeler_key) per DID. We
// maintain it incrementally on every operation import rather than as a true
// SQL view, since sqlite has no convenient JSON-aware materialized view and
// the import path already has the parsed operation in hand.
type plcKeyRow struct {
	DID             string `gorm:"column:did;primaryKey"`
	PDSEndpoint     string `gorm:"column:pds_endpoint"`
	PDSKey          string `gorm:"column:pds_key"`
	LabelerEndpoint string `gorm:"column:labeler_endpoint"`
	LabelerKey      string `gorm:"column:labeler_key"`
}

func (plcKeyRow) TableName() string { return "plc_keys" }

// Mirror is the read-mostly (read-write during import) relational mirror of
// the PLC ledger, backed by plc_directory.db.
type Mirror struct {
	db       *gorm.DB
	readOnly bool
}

// OpenMirror opens plc_directory.db. When readOnly is true (DO_PLC_EXPORT
// disabled) the mirror is expected to already be populated out of band and
// is never written to by this process, matching rsky-relay's
// SQLITE_OPEN_READ_ONLY flag.
func OpenMirror(dataDir string, readOnly bool) (*Mirror, error) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(dataDir, "plc_directory.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("resolver: open plc_directory.db: %w", err)
	}
	m := &Mirror{db: db, readOnly: readOnly}
	if !readOnly {
		if err := db.AutoMigrate(&plcOperationRow{}, &plcKeyRow{}); err != nil {
			return nil, fmt.Errorf("resolver: migrate plc mirror: %w", err)
		}
	}
	return m, nil
}

// Close releases the underlying sql.DB handle.
func (m *Mirror) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LatestCreatedAt returns the created_at of the most recently imported PLC
// operation, used to seed the export cursor ("after") on startup.
func (m *Mirror) LatestCreatedAt() (string, error) {
	var row plcOperationRow
	err := m.db.Order("created_at DESC").Limit(1).Find(&row).Error
	if err != nil {
		return "", fmt.Errorf("resolver: query latest plc op: %w", err)
	}
	return row.CreatedAt, nil
}

// Lookup resolves a DID to a ResolverEntry from the plc_keys table. ok is
// false if the DID has no row yet.
func (m *Mirror) Lookup(did string, labeler bool) (models.ResolverEntry, bool, error) {
	var row plcKeyRow
	err := m.db.Where("did = ?", did).Limit(1).Find(&row).Error
	if err != nil {
		return models.ResolverEntry{}, false, fmt.Errorf("resolver: query plc_keys: %w", err)
	}
	if row.DID == "" {
		return models.ResolverEntry{}, false, nil
	}
	endpoint, key := row.PDSEndpoint, row.PDSKey
	if labeler {
		endpoint, key = row.LabelerEndpoint, row.LabelerKey
	}
	return parseKeyEndpoint(endpoint, key)
}

// ImportOperation inserts one PLC export row and, when it is not nullified,
// refreshes plc_keys for its DID from the operation payload.
func (m *Mirror) ImportOperation(tx *gorm.DB, doc plcExportDoc) error {
	row := plcOperationRow{
		CID:       doc.CID,
		DID:       doc.DID,
		CreatedAt: doc.CreatedAt,
		Nullified: doc.Nullified,
		Operation: []byte(doc.Operation),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("resolver: insert plc operation: %w", err)
	}
	if doc.Nullified {
		return nil
	}
	var op plcOperationPayload
	if err := json.Unmarshal(doc.Operation, &op); err != nil {
		// malformed operation payload: keep the raw row, skip the keys refresh
		return nil
	}
	key := plcKeyRow{DID: doc.DID}
	key.PDSEndpoint, key.PDSKey = op.pdsBinding()
	key.LabelerEndpoint, key.LabelerKey = op.labelerBinding()
	return tx.Save(&key).Error
}

// plcExportDoc is one line of a PLC export NDJSON batch.
type plcExportDoc struct {
	CID       string          `json:"cid"`
	DID       string          `json:"did"`
	CreatedAt string          `json:"createdAt"`
	Nullified bool            `json:"nullified"`
	Operation json.RawMessage `json:"operation"`
}

// plcOperationPayload is the subset of a PLC operation document this relay
// needs: the atproto_pds/atproto_labeler service endpoints and their
// corresponding atproto/atproto_label verification method did:key values.
type plcOperationPayload struct {
	Type     string `json:"type"`
	Services map[string]struct {
		Type     string `json:"type"`
		Endpoint string `json:"endpoint"`
	} `json:"services"`
	VerificationMethods map[string]string `json:"verificationMethods"`

	// Legacy (pre-plc_operation) "create" op fields.
	Service    string `json:"service"`
	SigningKey string `json:"signingKey"`
}

func (p plcOperationPayload) pdsBinding() (endpoint, key string) {
	if svc, ok := p.Services["atproto_pds"]; ok {
		endpoint = svc.Endpoint
	} else if p.Service != "" {
		endpoint = p.Service
	}
	if k, ok := p.VerificationMethods["atproto"]; ok {
		key = k
	} else if p.SigningKey != "" {
		key = p.SigningKey
	}
	return endpoint, key
}

func (p plcOperationPayload) labelerBinding() (endpoint, key string) {
	if svc, ok := p.Services["atproto_labeler"]; ok {
		endpoint = svc.Endpoint
	}
	if k, ok := p.VerificationMethods["atproto_label"]; ok {
		key = k
	}
	return endpoint, key
}
