package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ulikunitz/xz"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

type BackupSaver interface {
	/*
		Recieves xz compressed snapshots of the
		stats database. The saver names the
		backup (such as by date); the name
		should end in .xz.
	*/
	Save(io.Reader) error
}

type FileSaver struct {
	Prefix string
}

func (f FileSaver) Save(in io.Reader) error {
	filename := fmt.Sprintf("%s%s.xz", f.Prefix, time.Now().Format(time.RFC3339))
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, in); err != nil {
		file.Close()
		return err
	}
	logger.Info("stats backup written", zap.String("file", filename))
	return file.Close()
}

/*
RunBackup writes a consistent snapshot of the
database through xz to the configured saver.
*/
func (s *StatsStore) RunBackup() error {
	if s.Backup == nil {
		return nil
	}
	buf := new(bytes.Buffer)
	if err := writeCompressed(s.db, buf); err != nil {
		return err
	}
	return s.Backup.Save(buf)
}

func writeCompressed(db *bolt.DB, out io.Writer) error {
	xzWriter, err := xz.NewWriter(out)
	if err != nil {
		return fmt.Errorf("opening xz writer: %w", err)
	}
	if err := db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(xzWriter)
		return err
	}); err != nil {
		return fmt.Errorf("reading database for backup: %w", err)
	}
	if err := xzWriter.Close(); err != nil {
		return fmt.Errorf("closing xz writer: %w", err)
	}
	return nil
}

/*
This makes sure that the above objects all
satisfy the BackupSaver interface.
*/
var _ = []BackupSaver{
	FileSaver{},
}
