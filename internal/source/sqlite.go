package source

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rgov/foxglove-studio/internal/problems"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

// SQLiteSource reads a bag recorded into a sqlite database. Layout:
//
//	topics(name TEXT PRIMARY KEY, datatype TEXT)
//	messages(topic TEXT, sec INTEGER, nsec INTEGER, size INTEGER, data BLOB)
//
// with an index on (topic, sec, nsec). Messages are served in receive-time
// order; payloads are returned as raw bytes.
type SQLiteSource struct {
	path string
	db   *sql.DB
}

func NewSQLiteSource(path string) *SQLiteSource {
	return &SQLiteSource{path: path}
}

func (s *SQLiteSource) Initialize(ctx context.Context) (*Initialization, error) {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("open bag %s: %w", s.path, err)
	}
	s.db = db

	var init Initialization
	init.TopicStats = map[string]TopicStats{}
	init.Datatypes = map[string]string{}
	init.PublishersByTopic = map[string][]string{}

	rows, err := db.QueryContext(ctx, `SELECT name, datatype FROM topics ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("read topics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tp Topic
		if err := rows.Scan(&tp.Name, &tp.Datatype); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		init.Topics = append(init.Topics, tp)
		init.Datatypes[tp.Name] = tp.Datatype
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read topics: %w", err)
	}

	stats, err := db.QueryContext(ctx, `
		SELECT topic, COUNT(*), MIN(sec*1000000000+nsec), MAX(sec*1000000000+nsec)
		FROM messages GROUP BY topic`)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	defer stats.Close()
	first := true
	for stats.Next() {
		var topic string
		var count, minNs, maxNs int64
		if err := stats.Scan(&topic, &count, &minNs, &maxNs); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		init.TopicStats[topic] = TopicStats{
			NumMessages:      count,
			FirstMessageTime: timeutil.FromNanos(minNs),
			LastMessageTime:  timeutil.FromNanos(maxNs),
		}
		if first || timeutil.Less(timeutil.FromNanos(minNs), init.Start) {
			init.Start = timeutil.FromNanos(minNs)
		}
		if first || timeutil.Less(init.End, timeutil.FromNanos(maxNs)) {
			init.End = timeutil.FromNanos(maxNs)
		}
		first = false
	}
	if err := stats.Err(); err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	init.BlockDuration = 10 * time.Second
	return &init, nil
}

func (s *SQLiteSource) MessageIterator(args MessageIteratorArgs) Iterator {
	return &sqliteIterator{src: s, args: args}
}

func (s *SQLiteSource) GetBackfillMessages(ctx context.Context, args BackfillArgs) ([]*MessageEvent, error) {
	var out []*MessageEvent
	for _, topic := range args.Topics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT topic, sec, nsec, size, data FROM messages
			WHERE topic = ? AND (sec < ? OR (sec = ? AND nsec <= ?))
			ORDER BY sec DESC, nsec DESC LIMIT 1`,
			topic, args.Time.Sec, args.Time.Sec, args.Time.Nsec)
		ev, err := scanMessage(row.Scan)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("backfill %s: %w", topic, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLiteSource) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteIterator struct {
	src  *SQLiteSource
	args MessageIteratorArgs
	rows *sql.Rows
	done bool
}

func (it *sqliteIterator) Next(ctx context.Context) (*IteratorResult, error) {
	if it.done {
		return nil, io.EOF
	}
	if it.rows == nil {
		if len(it.args.Topics) == 0 {
			it.done = true
			return nil, io.EOF
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(it.args.Topics)), ",")
		q := fmt.Sprintf(`
			SELECT topic, sec, nsec, size, data FROM messages
			WHERE topic IN (%s)
			  AND (sec > ? OR (sec = ? AND nsec >= ?))
			  AND (sec < ? OR (sec = ? AND nsec <= ?))
			ORDER BY sec, nsec`, placeholders)
		params := make([]any, 0, len(it.args.Topics)+6)
		for _, t := range it.args.Topics {
			params = append(params, t)
		}
		params = append(params,
			it.args.Start.Sec, it.args.Start.Sec, it.args.Start.Nsec,
			it.args.End.Sec, it.args.End.Sec, it.args.End.Nsec)
		rows, err := it.src.db.QueryContext(ctx, q, params...)
		if err != nil {
			it.done = true
			return nil, err
		}
		it.rows = rows
	}
	if !it.rows.Next() {
		err := it.rows.Err()
		it.done = true
		_ = it.rows.Close()
		if err != nil {
			// Surface the failure inline without killing the read loop.
			return &IteratorResult{Problem: &problems.Problem{
				Severity: problems.SeverityError,
				Message:  fmt.Sprintf("bag read failed: %v", err),
			}}, nil
		}
		return nil, io.EOF
	}
	ev, err := scanMessage(it.rows.Scan)
	if err != nil {
		return nil, err
	}
	return &IteratorResult{Event: ev}, nil
}

func (it *sqliteIterator) Close() error {
	it.done = true
	if it.rows != nil {
		return it.rows.Close()
	}
	return nil
}

func scanMessage(scan func(...any) error) (*MessageEvent, error) {
	var topic string
	var sec, nsec, size int64
	var data []byte
	if err := scan(&topic, &sec, &nsec, &size, &data); err != nil {
		return nil, err
	}
	return &MessageEvent{
		Topic:       topic,
		ReceiveTime: timeutil.New(sec, nsec),
		Message:     data,
		SizeInBytes: size,
	}, nil
}

// WriteBag records topics and events into a new sqlite bag at path. Intended
// for fixtures and the record side of the demo tooling.
func WriteBag(ctx context.Context, path string, topics []Topic, events []*MessageEvent) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS topics (name TEXT PRIMARY KEY, datatype TEXT);
		CREATE TABLE IF NOT EXISTS messages (topic TEXT, sec INTEGER, nsec INTEGER, size INTEGER, data BLOB);
		CREATE INDEX IF NOT EXISTS messages_by_time ON messages (topic, sec, nsec);`); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, tp := range topics {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO topics (name, datatype) VALUES (?, ?)`, tp.Name, tp.Datatype); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, ev := range events {
		data, _ := ev.Message.([]byte)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (topic, sec, nsec, size, data) VALUES (?, ?, ?, ?, ?)`,
			ev.Topic, ev.ReceiveTime.Sec, ev.ReceiveTime.Nsec, ev.SizeInBytes, data); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
