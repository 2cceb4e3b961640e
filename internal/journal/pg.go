// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package journal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createTable = `CREATE TABLE IF NOT EXISTS worker_case_outcomes (
	id BIGSERIAL PRIMARY KEY,
	cycle_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	case_id BIGINT,
	outcome TEXT NOT NULL,
	label TEXT,
	error TEXT,
	attempts INT NOT NULL DEFAULT 0,
	at TIMESTAMPTZ NOT NULL
)`

// PgStore Postgres 实现，表 worker_case_outcomes 不存在时创建
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 连接并建表
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO worker_case_outcomes (cycle_id, worker_id, case_id, outcome, label, error, attempts, at)
		 VALUES ($1, $2, NULLIF($3::bigint, 0), $4, NULLIF($5,''), NULLIF($6,''), $7, $8)`,
		e.CycleID, e.WorkerID, e.CaseID, string(e.Outcome), e.Label, e.Error, e.Attempts, e.At)
	return err
}

func (s *PgStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultCapacity
	}
	rows, err := s.pool.Query(ctx,
		`SELECT cycle_id, worker_id, COALESCE(case_id, 0), outcome, COALESCE(label,''), COALESCE(error,''), attempts, at
		 FROM worker_case_outcomes ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var outcome string
		if err := rows.Scan(&e.CycleID, &e.WorkerID, &e.CaseID, &outcome, &e.Label, &e.Error, &e.Attempts, &e.At); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
