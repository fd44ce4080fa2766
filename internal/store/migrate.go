// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
)

// migrate creates the schema. Statements are idempotent; the store has no
// separate migration history table because the schema ships with the binary.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL,
		directory TEXT NOT NULL,
		extension TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		container TEXT NOT NULL DEFAULT '',
		partial_hash TEXT NOT NULL DEFAULT '',
		mod_time TEXT,
		scan_time TEXT,
		scan_status TEXT NOT NULL DEFAULT 'ok' CHECK(scan_status IN ('ok', 'error')),
		scan_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		track_index INTEGER NOT NULL,
		type TEXT NOT NULL CHECK(type IN ('video', 'audio', 'subtitle', 'attachment')),
		codec TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		is_forced INTEGER NOT NULL DEFAULT 0,
		channels INTEGER NOT NULL DEFAULT 0,
		channel_layout TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		frame_rate REAL NOT NULL DEFAULT 0,
		color_transfer TEXT,
		color_primaries TEXT,
		color_space TEXT,
		color_range TEXT,
		duration REAL NOT NULL DEFAULT 0,
		UNIQUE(file_id, track_index)
	);
	CREATE INDEX IF NOT EXISTS idx_tracks_file ON tracks(file_id);

	CREATE TABLE IF NOT EXISTS language_analysis (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id INTEGER NOT NULL UNIQUE REFERENCES tracks(id) ON DELETE CASCADE,
		file_hash TEXT NOT NULL,
		primary_language TEXT NOT NULL,
		primary_percentage REAL NOT NULL DEFAULT 0,
		classification TEXT NOT NULL CHECK(classification IN ('SINGLE_LANGUAGE', 'MULTI_LANGUAGE')),
		plugin_name TEXT NOT NULL DEFAULT '',
		plugin_version TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		sample_positions TEXT NOT NULL DEFAULT '[]',
		speech_ratio REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS language_segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		analysis_id INTEGER NOT NULL REFERENCES language_analysis(id) ON DELETE CASCADE,
		language TEXT NOT NULL,
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		confidence REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_segments_analysis ON language_segments(analysis_id);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		file_id INTEGER REFERENCES files(id) ON DELETE SET NULL,
		file_path TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL CHECK(type IN ('scan', 'apply', 'transcode', 'move', 'process')),
		status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'running', 'completed', 'failed', 'cancelled')),
		priority INTEGER NOT NULL DEFAULT 100,
		policy_name TEXT NOT NULL DEFAULT '',
		policy_json TEXT,
		progress_percent REAL NOT NULL DEFAULT 0,
		progress_json TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		worker_pid INTEGER,
		worker_heartbeat TEXT,
		error_message TEXT,
		output_path TEXT,
		summary_json TEXT,
		log_path TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, priority, created_at);

	CREATE TABLE IF NOT EXISTS processing_stats (
		stats_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		file_id INTEGER,
		file_path TEXT NOT NULL DEFAULT '',
		size_before INTEGER NOT NULL DEFAULT 0,
		size_after INTEGER NOT NULL DEFAULT 0,
		hash_before TEXT NOT NULL DEFAULT '',
		hash_after TEXT NOT NULL DEFAULT '',
		video_before INTEGER NOT NULL DEFAULT 0,
		video_after INTEGER NOT NULL DEFAULT 0,
		audio_before INTEGER NOT NULL DEFAULT 0,
		audio_after INTEGER NOT NULL DEFAULT 0,
		subtitle_before INTEGER NOT NULL DEFAULT 0,
		subtitle_after INTEGER NOT NULL DEFAULT 0,
		attachment_before INTEGER NOT NULL DEFAULT 0,
		attachment_after INTEGER NOT NULL DEFAULT 0,
		tracks_removed INTEGER NOT NULL DEFAULT 0,
		duration_seconds REAL NOT NULL DEFAULT 0,
		phases_completed INTEGER NOT NULL DEFAULT 0,
		phases_total INTEGER NOT NULL DEFAULT 0,
		total_changes INTEGER NOT NULL DEFAULT 0,
		video_source_codec TEXT NOT NULL DEFAULT '',
		video_target_codec TEXT NOT NULL DEFAULT '',
		encoder_type TEXT CHECK(encoder_type IN ('hardware', 'software') OR encoder_type IS NULL),
		audio_transcoded INTEGER NOT NULL DEFAULT 0,
		audio_preserved INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stats_job ON processing_stats(job_id);

	CREATE TABLE IF NOT EXISTS action_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stats_id TEXT NOT NULL REFERENCES processing_stats(stats_id) ON DELETE CASCADE,
		phase TEXT NOT NULL,
		operation TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		changes_made INTEGER NOT NULL DEFAULT 0,
		duration_seconds REAL NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS performance_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stats_id TEXT NOT NULL REFERENCES processing_stats(stats_id) ON DELETE CASCADE,
		phase TEXT NOT NULL,
		duration_seconds REAL NOT NULL DEFAULT 0,
		bytes_processed INTEGER NOT NULL DEFAULT 0
	);
	`
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
}
