package writer

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/minio/highwayhash"
	"github.com/vmihailenco/msgpack/v5"
)

// MasterFilePath derives the master-file location for a scan number:
// <base>/S<n>/S<n>_master.db, with the number zero-padded to five digits.
func MasterFilePath(base string, scanNumber int64) string {
	var dir = fmt.Sprintf("S%05d", scanNumber)
	return filepath.Join(base, dir, fmt.Sprintf("S%05d_master.db", scanNumber))
}

var schema = `
CREATE TABLE scan (
	scan_id     TEXT NOT NULL,
	scan_number INTEGER NOT NULL,
	status      TEXT NOT NULL,
	num_points  INTEGER NOT NULL,
	info        BLOB,
	metadata    BLOB
);
CREATE TABLE segments (
	point_id INTEGER PRIMARY KEY,
	data     BLOB NOT NULL
);
CREATE TABLE baseline (
	device TEXT PRIMARY KEY,
	data   BLOB NOT NULL
);
CREATE TABLE async_data (
	device TEXT NOT NULL,
	signal TEXT NOT NULL,
	data   BLOB NOT NULL,
	PRIMARY KEY (device, signal)
);
CREATE TABLE files (
	name TEXT PRIMARY KEY,
	path TEXT NOT NULL
);
`

// WriteMaster writes |s| as a fresh master file at |path|. An existing file
// at the path is replaced.
func WriteMaster(path string, s *ScanStorage) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating scan directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale master file: %w", err)
	}

	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("opening master file: %w", err)
	}
	defer db.Close()

	if _, err = db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	if err = writeTables(tx, s); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing master file: %w", err)
	}
	return nil
}

func writeTables(tx *sql.Tx, s *ScanStorage) error {
	var info, err = msgpack.Marshal(s.Info)
	if err != nil {
		return fmt.Errorf("encoding scan info: %w", err)
	}
	md, err := msgpack.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("encoding scan metadata: %w", err)
	}
	if _, err = tx.Exec(
		`INSERT INTO scan (scan_id, scan_number, status, num_points, info, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ScanID, s.ScanNumber, s.Status, s.NumPoints, info, md,
	); err != nil {
		return fmt.Errorf("writing scan row: %w", err)
	}

	for pointID, data := range s.Segments {
		var blob, err = msgpack.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding segment %d: %w", pointID, err)
		}
		if _, err = tx.Exec(`INSERT INTO segments (point_id, data) VALUES (?, ?)`, pointID, blob); err != nil {
			return fmt.Errorf("writing segment %d: %w", pointID, err)
		}
	}

	for device, signals := range s.Baseline {
		var blob, err = msgpack.Marshal(signals)
		if err != nil {
			return fmt.Errorf("encoding baseline of %s: %w", device, err)
		}
		if _, err = tx.Exec(`INSERT INTO baseline (device, data) VALUES (?, ?)`, device, blob); err != nil {
			return fmt.Errorf("writing baseline of %s: %w", device, err)
		}
	}

	for device, signals := range s.Async {
		for name, sig := range signals {
			var blob, err = msgpack.Marshal(sig)
			if err != nil {
				return fmt.Errorf("encoding async %s/%s: %w", device, name, err)
			}
			if _, err = tx.Exec(
				`INSERT INTO async_data (device, signal, data) VALUES (?, ?, ?)`,
				device, name, blob,
			); err != nil {
				return fmt.Errorf("writing async %s/%s: %w", device, name, err)
			}
		}
	}

	for name, path := range s.Files {
		if _, err = tx.Exec(`INSERT INTO files (name, path) VALUES (?, ?)`, name, path); err != nil {
			return fmt.Errorf("writing file reference %s: %w", name, err)
		}
	}
	return nil
}

// checksumKey keys the commit checksum. It is fixed so that checksums are
// comparable across services and sessions.
var checksumKey = []byte("scan-fabric-master-file-checksum")

// FileChecksum returns the hex HighwayHash-64 of the file at |path|.
func FileChecksum(path string) (string, error) {
	var h, err = highwayhash.New64(checksumKey)
	if err != nil {
		return "", fmt.Errorf("initializing checksum: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for checksum: %w", err)
	}
	defer f.Close()

	if _, err = io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
