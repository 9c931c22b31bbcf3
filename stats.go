package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"codeberg.org/FiskFan1999/gemini"
	"github.com/hako/durafmt"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	DBHITS = []byte("hits") // key=path val=itob(count)
	DBMETA = []byte("meta")

	metaSince = []byte("since") // RFC3339, first time the database was opened
)

const (
	statsBuffer    = 1024
	statsFlush     = time.Second
	StatsPageLimit = 25
)

type PathCount struct {
	Path  string
	Count uint64
}

/*
StatsStore counts successful responses per
path in a bbolt database. Hit never blocks a
connection: hits are queued and written in
batches by Run.
*/
type StatsStore struct {
	db    *bolt.DB
	hits  chan string
	since time.Time

	Backup      BackupSaver // optional
	BackupEvery time.Duration
}

func OpenStatsStore(name string) (*StatsStore, error) {
	db, err := bolt.Open(name, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s := &StatsStore{db: db, hits: make(chan string, statsBuffer)}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{DBHITS, DBMETA} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(DBMETA)
		if v := meta.Get(metaSince); v != nil {
			since, err := time.Parse(time.RFC3339, string(v))
			if err == nil {
				s.since = since
				return nil
			}
		}
		s.since = time.Now().Truncate(time.Second)
		return meta.Put(metaSince, []byte(s.since.Format(time.RFC3339)))
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *StatsStore) Close() error {
	return s.db.Close()
}

func (s *StatsStore) Hit(path string) {
	select {
	case s.hits <- path:
	default:
		logger.Debug("stats buffer full, dropping hit", zap.String("path", path))
	}
}

/*
Run writes queued hits until ctx is done,
then drains the queue one last time. It also
takes the periodic backups.
*/
func (s *StatsStore) Run(ctx context.Context) {
	flush := time.NewTicker(statsFlush)
	defer flush.Stop()

	var backup <-chan time.Time
	if s.Backup != nil && s.BackupEvery > 0 {
		t := time.NewTicker(s.BackupEvery)
		defer t.Stop()
		backup = t.C
	}

	pending := map[string]uint64{}
	for {
		select {
		case p := <-s.hits:
			pending[p]++
		case <-flush.C:
			s.flush(pending)
			pending = map[string]uint64{}
		case <-backup:
			if err := s.RunBackup(); err != nil {
				logger.Error("stats backup failed", zap.Error(err))
			}
		case <-ctx.Done():
			for {
				select {
				case p := <-s.hits:
					pending[p]++
				default:
					s.flush(pending)
					return
				}
			}
		}
	}
}

func (s *StatsStore) flush(pending map[string]uint64) {
	if len(pending) == 0 {
		return
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		hits := tx.Bucket(DBHITS)
		for p, n := range pending {
			count := btoi(hits.Get([]byte(p))) + n
			if err := hits.Put([]byte(p), itob(count)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		logger.Error("writing stats", zap.Error(err))
	}
}

func (s *StatsStore) Count(path string) (count uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		count = btoi(tx.Bucket(DBHITS).Get([]byte(path)))
		return nil
	})
	return
}

// Top returns the n most requested paths, most requested first.
func (s *StatsStore) Top(n int) ([]PathCount, error) {
	var all []PathCount
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(DBHITS).ForEach(func(k, v []byte) error {
			all = append(all, PathCount{Path: string(k), Count: btoi(v)})
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Path < all[j].Path
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (s *StatsStore) Handler() gemini.Response {
	top, err := s.Top(StatsPageLimit)
	if err != nil {
		logger.Error("reading stats", zap.Error(err))
		return InternalError
	}

	var lines gemini.Lines
	lines.Header(1, "Statistics")
	lines.Line("")
	lines.Line(fmt.Sprintf("Counting since %s (%s ago).",
		s.since.Format(time.RFC1123), durafmt.ParseShort(time.Since(s.since))))
	lines.Line("")
	lines.Header(2, "Most requested")
	if len(top) == 0 {
		lines.Line("Nothing yet.")
	}
	for _, pc := range top {
		lines.LinkDesc(pc.Path, fmt.Sprintf("%s (%d)", pc.Path, pc.Count))
	}

	var buf bytes.Buffer
	buf.WriteString(strings.Join(lines, "\n"))
	buf.WriteByte('\n')
	return GeminiResponse{Status: gemini.Success, Meta: GeminiMime, Body: buf.Bytes()}
}
