// Package savedtunnel persists reusable tunnel definitions in sqlite.
package savedtunnel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/util"
)

// Record is the saved_tunnels row.
type Record struct {
	ID                 string `gorm:"primaryKey;size:36"`
	Name               string `gorm:"not null"`
	TunnelType         string `gorm:"not null"`
	LocalPort          int    `gorm:"not null"`
	RemoteHost         string
	RemotePort         int
	HostSource         string `gorm:"not null"`
	HostAlias          string
	ManualHostName     string
	ManualPort         int
	ManualUser         string
	ManualIdentityFile string
	GatewayPorts       bool
	SortOrder          int `gorm:"not null;default:0;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Record) TableName() string { return "saved_tunnels" }

func (r Record) config() model.SavedTunnelConfig {
	return model.SavedTunnelConfig{
		ID:         r.ID,
		Name:       r.Name,
		TunnelType: model.TunnelType(r.TunnelType),
		LocalPort:  r.LocalPort,
		RemoteHost: r.RemoteHost,
		RemotePort: r.RemotePort,
		HostSource: model.HostSource(r.HostSource),
		HostAlias:  r.HostAlias,
		ManualHost: model.ManualHost{
			HostName:     r.ManualHostName,
			Port:         r.ManualPort,
			User:         r.ManualUser,
			IdentityFile: r.ManualIdentityFile,
		},
		GatewayPorts: r.GatewayPorts,
		SortOrder:    r.SortOrder,
	}
}

func recordFor(c model.SavedTunnelConfig) Record {
	return Record{
		ID:                 c.ID,
		Name:               c.Name,
		TunnelType:         string(c.TunnelType),
		LocalPort:          c.LocalPort,
		RemoteHost:         c.RemoteHost,
		RemotePort:         c.RemotePort,
		HostSource:         string(c.HostSource),
		HostAlias:          c.HostAlias,
		ManualHostName:     c.ManualHost.HostName,
		ManualPort:         c.ManualHost.Port,
		ManualUser:         c.ManualHost.User,
		ManualIdentityFile: c.ManualHost.IdentityFile,
		GatewayPorts:       c.GatewayPorts,
		SortOrder:          c.SortOrder,
	}
}

type Store struct {
	db *gorm.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return New(db)
}

// New migrates db and wraps it.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Validate checks the invariants of a saved configuration.
func Validate(c model.SavedTunnelConfig) error {
	const op = "save tunnel config"
	if strings.TrimSpace(c.Name) == "" {
		return model.Validation(op, "name is required")
	}
	if err := util.ValidatePort(c.LocalPort); err != nil {
		return model.Validation(op, "local port: %v", err)
	}
	switch c.TunnelType {
	case model.TunnelLocal:
		if strings.TrimSpace(c.RemoteHost) == "" {
			return model.Validation(op, "remote host is required for local tunnels")
		}
		if err := util.ValidatePort(c.RemotePort); err != nil {
			return model.Validation(op, "remote port: %v", err)
		}
	case model.TunnelDynamic:
	default:
		return model.Validation(op, "tunnel type must be local or dynamic")
	}
	switch c.HostSource {
	case model.HostSourceSSHConfig:
		if strings.TrimSpace(c.HostAlias) == "" {
			return model.Validation(op, "host alias is required")
		}
	case model.HostSourceManual:
		if strings.TrimSpace(c.ManualHost.HostName) == "" || strings.TrimSpace(c.ManualHost.User) == "" {
			return model.Validation(op, "manual host requires hostName and user")
		}
		if c.ManualHost.Port != 0 {
			if err := util.ValidatePort(c.ManualHost.Port); err != nil {
				return model.Validation(op, "manual host port: %v", err)
			}
		}
	default:
		return model.Validation(op, "host source must be ssh_config or manual")
	}
	return nil
}

// List returns configurations by sort order, then name.
func (s *Store) List() ([]model.SavedTunnelConfig, error) {
	var rows []Record
	if err := s.db.Order("sort_order ASC, name ASC").Find(&rows).Error; err != nil {
		return nil, model.Wrap(model.KindSystem, "list tunnel configs", err)
	}
	out := make([]model.SavedTunnelConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.config())
	}
	return out, nil
}

func (s *Store) Get(id string) (model.SavedTunnelConfig, error) {
	var r Record
	if err := s.db.First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.SavedTunnelConfig{}, model.NotFound("get tunnel config", "tunnel config %s not found", id)
		}
		return model.SavedTunnelConfig{}, model.Wrap(model.KindSystem, "get tunnel config", err)
	}
	return r.config(), nil
}

// Save creates the configuration when its ID is empty and updates it
// otherwise. New configurations go to the end of the order.
func (s *Store) Save(c model.SavedTunnelConfig) (model.SavedTunnelConfig, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.TunnelType == model.TunnelDynamic {
		c.RemoteHost, c.RemotePort = "", 0
	}
	if err := Validate(c); err != nil {
		return model.SavedTunnelConfig{}, err
	}
	if c.ID == "" {
		return s.create(c)
	}
	existing, err := s.Get(c.ID)
	if err != nil {
		return model.SavedTunnelConfig{}, err
	}
	if c.SortOrder == 0 {
		c.SortOrder = existing.SortOrder
	}
	r := recordFor(c)
	if err := s.db.Model(&Record{ID: c.ID}).Select("*").Omit("created_at").Updates(&r).Error; err != nil {
		return model.SavedTunnelConfig{}, model.Wrap(model.KindSystem, "save tunnel config", err)
	}
	return s.Get(c.ID)
}

func (s *Store) create(c model.SavedTunnelConfig) (model.SavedTunnelConfig, error) {
	c.ID = uuid.NewString()
	var maxOrder int
	if err := s.db.Model(&Record{}).Select("COALESCE(MAX(sort_order), 0)").Scan(&maxOrder).Error; err != nil {
		return model.SavedTunnelConfig{}, model.Wrap(model.KindSystem, "save tunnel config", err)
	}
	c.SortOrder = maxOrder + 1
	r := recordFor(c)
	if err := s.db.Create(&r).Error; err != nil {
		return model.SavedTunnelConfig{}, model.Wrap(model.KindSystem, "save tunnel config", err)
	}
	return r.config(), nil
}

func (s *Store) Delete(id string) error {
	res := s.db.Delete(&Record{}, "id = ?", id)
	if res.Error != nil {
		return model.Wrap(model.KindSystem, "delete tunnel config", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.NotFound("delete tunnel config", "tunnel config %s not found", id)
	}
	return nil
}

// Duplicate copies a configuration under a new id and a "(copy)" name.
func (s *Store) Duplicate(id string) (model.SavedTunnelConfig, error) {
	c, err := s.Get(id)
	if err != nil {
		return model.SavedTunnelConfig{}, err
	}
	c.ID = ""
	c.Name = c.Name + " (copy)"
	return s.create(c)
}

// Reorder assigns sort orders from ids, which must list every saved
// configuration exactly once. All rows change in one transaction.
func (s *Store) Reorder(ids []string) error {
	const op = "reorder tunnel configs"
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&Record{}).Pluck("id", &existing).Error; err != nil {
			return model.Wrap(model.KindSystem, op, err)
		}
		known := make(map[string]bool, len(existing))
		for _, id := range existing {
			known[id] = true
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if !known[id] {
				return model.Validation(op, "unknown tunnel config %s", id)
			}
			if seen[id] {
				return model.Validation(op, "tunnel config %s listed more than once", id)
			}
			seen[id] = true
		}
		if len(seen) != len(known) {
			return model.Validation(op, "order must list all %d tunnel configs", len(known))
		}
		for i, id := range ids {
			if err := tx.Model(&Record{}).Where("id = ?", id).Update("sort_order", i+1).Error; err != nil {
				return model.Wrap(model.KindSystem, op, err)
			}
		}
		return nil
	})
}
