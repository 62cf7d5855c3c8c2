// Package postgis exports a store into PostGIS tables so footprints can be
// inspected with standard GIS tooling
package postgis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kass/go-smt-index/pkg/store"
	"github.com/lib/pq"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
)

// BatchSize is the number of rows committed per transaction
const BatchSize = 10000

// ConnConfig holds the connection parameters
type ConnConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the lib/pq connection string
func (c ConnConfig) DSN() string {
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, ssl)
}

// Exporter writes store tables into a PostGIS database
type Exporter struct {
	db     *sql.DB
	prefix string
	log    logrus.FieldLogger
}

// Open connects to the database. Exported tables are named prefix_features and
// prefix_subfeatures.
func Open(ctx context.Context, dsn, prefix string, log logrus.FieldLogger) (*Exporter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	if log == nil {
		log = logrus.StandardLogger()
	}
	if prefix == "" {
		prefix = "smt"
	}
	return &Exporter{db: db, prefix: prefix, log: log.WithField("component", "postgis")}, nil
}

// Close closes the database connection
func (p *Exporter) Close() error { return p.db.Close() }

func (p *Exporter) tableName(table string) string {
	return pq.QuoteIdentifier(p.prefix + "_" + table)
}

// schemaStatements recreates the table for one store table
func schemaStatements(name string) []string {
	idx := pq.QuoteIdentifier(name[1:len(name)-1] + "_geom_idx")
	return []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`DROP TABLE IF EXISTS ` + name,
		`CREATE TABLE ` + name + ` (
			feature_id BIGINT NOT NULL,
			healpix_index BIGINT NOT NULL,
			geogroup_id TEXT,
			area DOUBLE PRECISION,
			fields JSONB,
			properties JSONB,
			geom GEOMETRY(MULTIPOLYGON, 4326)
		)`,
		`CREATE INDEX ` + idx + ` ON ` + name + ` USING GIST(geom)`,
	}
}

func insertStatement(name string) string {
	return `INSERT INTO ` + name + ` (feature_id, healpix_index, geogroup_id, area, fields, properties, geom)
		VALUES ($1, $2, $3, $4, $5, $6, ST_SetSRID(ST_Multi(ST_GeomFromGeoJSON($7)), 4326))`
}

// Export replaces both tables with the content of st
func (p *Exporter) Export(ctx context.Context, st *store.Store) error {
	for _, t := range []*store.Table{st.Features, st.SubFeatures} {
		start := time.Now()
		if err := p.exportTable(ctx, t); err != nil {
			return errors.Wrapf(err, "table %s", t.Name)
		}
		p.log.WithFields(logrus.Fields{
			"table":    t.Name,
			"rows":     t.Len(),
			"duration": time.Since(start),
		}).Info("table exported")
	}
	name := p.tableName(store.TableFeatures)
	if _, err := p.db.ExecContext(ctx, "ANALYZE "+name); err != nil {
		return errors.Wrap(err, "analyze")
	}
	return nil
}

func (p *Exporter) exportTable(ctx context.Context, t *store.Table) error {
	name := p.tableName(t.Name)
	for _, q := range schemaStatements(name) {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "executing %q", q)
		}
	}

	var tx *sql.Tx
	var stmt *sql.Stmt
	begin := func() error {
		var err error
		if tx, err = p.db.BeginTx(ctx, nil); err != nil {
			return errors.Wrap(err, "begin transaction")
		}
		if stmt, err = tx.PrepareContext(ctx, insertStatement(name)); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "prepare insert")
		}
		return nil
	}
	if err := begin(); err != nil {
		return err
	}
	for i := 0; i < t.Len(); i++ {
		args, err := rowArgs(t, i)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "insert feature %d", t.FeatureIDs[i])
		}
		if (i+1)%BatchSize == 0 {
			if err := tx.Commit(); err != nil {
				return errors.Wrap(err, "commit batch")
			}
			if err := begin(); err != nil {
				return err
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit final batch")
}

// rowArgs returns the insert arguments of row i
func rowArgs(t *store.Table, i int) ([]interface{}, error) {
	fields := make(map[string]interface{})
	var geogroup interface{}
	for _, name := range t.Columns() {
		c, _ := t.Column(name)
		switch name {
		case store.ColumnID, store.ColumnHealpixIndex:
			continue
		case store.ColumnGeogroupID:
			geogroup = c.Values[i].Interface()
			continue
		}
		fields[name] = c.Values[i].Interface()
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encoding fields")
	}
	geom, err := geojson.NewGeometry(t.Geometry[i]).MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, "encoding geometry")
	}
	var props interface{}
	if t.Properties != nil && len(t.Properties[i]) > 0 {
		props = string(t.Properties[i])
	}
	return []interface{}{
		t.FeatureIDs[i],
		t.Pixels[i],
		geogroup,
		t.Areas[i],
		string(fieldsJSON),
		props,
		string(geom),
	}, nil
}
