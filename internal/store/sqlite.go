package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/submission-grader/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for local
// development and --dry-run-startup. SQLite has no FOR UPDATE SKIP LOCKED
// and this store opens its *sql.DB with a single open connection, so
// ClaimNext here only ever serializes against itself; it is not exercised by
// the concurrent-worker scenarios in the testable properties, which run
// exclusively against PostgresStore. See DESIGN.md.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS candidates (
	public_id    TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email        TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS assignments (
	public_id      TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	rubric_version TEXT NOT NULL,
	prompt_version TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS candidate_sources (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	candidate_id       TEXT NOT NULL REFERENCES candidates(public_id),
	source_type        TEXT NOT NULL,
	source_external_id TEXT NOT NULL,
	UNIQUE (source_type, source_external_id)
);

CREATE TABLE IF NOT EXISTS submissions (
	public_id               TEXT PRIMARY KEY,
	candidate_id            TEXT NOT NULL REFERENCES candidates(public_id),
	assignment_id           TEXT NOT NULL REFERENCES assignments(public_id),
	status                  TEXT NOT NULL,
	attempt_telegram_ingest INTEGER NOT NULL DEFAULT 0,
	attempt_normalization   INTEGER NOT NULL DEFAULT 0,
	attempt_evaluation      INTEGER NOT NULL DEFAULT 0,
	attempt_delivery        INTEGER NOT NULL DEFAULT 0,
	claimed_by              TEXT,
	claimed_at              DATETIME,
	lease_expires_at        DATETIME,
	last_error_code         TEXT,
	last_error_message      TEXT,
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
CREATE INDEX IF NOT EXISTS idx_submissions_candidate ON submissions(candidate_id);

CREATE TABLE IF NOT EXISTS submission_sources (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	submission_id      TEXT NOT NULL REFERENCES submissions(public_id),
	source_type        TEXT NOT NULL,
	source_external_id TEXT NOT NULL,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (source_type, source_external_id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	submission_id  TEXT NOT NULL REFERENCES submissions(public_id),
	stage          TEXT NOT NULL,
	bucket         TEXT NOT NULL,
	object_key     TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_artifacts_submission_stage ON artifacts(submission_id, stage, created_at);

CREATE TABLE IF NOT EXISTS evaluations (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	submission_id        TEXT NOT NULL UNIQUE REFERENCES submissions(public_id),
	score                REAL NOT NULL,
	criterion_scores     TEXT NOT NULL,
	feedback             TEXT NOT NULL,
	ai_assist_likelihood REAL NOT NULL DEFAULT 0,
	confidence           REAL NOT NULL DEFAULT 0,
	seed                 INTEGER NOT NULL DEFAULT 0,
	temperature          REAL NOT NULL DEFAULT 0,
	chain_version        TEXT NOT NULL DEFAULT '',
	prompt_version       TEXT NOT NULL DEFAULT '',
	rubric_version       TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS llm_runs (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	submission_id         TEXT NOT NULL REFERENCES submissions(public_id),
	provider              TEXT NOT NULL,
	model                 TEXT NOT NULL,
	model_version         TEXT,
	prompt_version        TEXT NOT NULL,
	rubric_version        TEXT NOT NULL,
	result_schema_version TEXT NOT NULL,
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	latency_ms            INTEGER NOT NULL DEFAULT 0,
	cost_usd              REAL NOT NULL DEFAULT 0,
	succeeded             INTEGER NOT NULL,
	error_kind            TEXT,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS deliveries (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	submission_id       TEXT NOT NULL REFERENCES submissions(public_id),
	channel             TEXT NOT NULL,
	external_message_id TEXT,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCandidate(ctx context.Context, c model.Candidate) (*model.Candidate, error) {
	if c.PublicID == "" {
		c.PublicID = model.NewPublicID(model.PrefixCandidate)
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (public_id, display_name, email, created_at) VALUES (?, ?, ?, ?)`,
		c.PublicID, c.DisplayName, c.Email, c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert candidate")
	}
	return &c, nil
}

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a model.Assignment) (*model.Assignment, error) {
	if a.PublicID == "" {
		a.PublicID = model.NewPublicID(model.PrefixAssignment)
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (public_id, title, rubric_version, prompt_version, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.PublicID, a.Title, a.RubricVersion, a.PromptVersion, a.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert assignment")
	}
	return &a, nil
}

func (s *SQLiteStore) ListAssignments(ctx context.Context) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT public_id, title, rubric_version, prompt_version, created_at FROM assignments ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assignments")
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.PublicID, &a.Title, &a.RubricVersion, &a.PromptVersion, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list assignments iterate")
}

func (s *SQLiteStore) UpsertCandidateSource(ctx context.Context, src model.CandidateSource) (*model.Candidate, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidate_sources (candidate_id, source_type, source_external_id) VALUES (?, ?, ?)
		 ON CONFLICT (source_type, source_external_id) DO NOTHING`,
		src.CandidateID, src.SourceType, src.SourceExternalID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert candidate source")
	}

	var candidateID string
	err = s.db.QueryRowContext(ctx,
		`SELECT candidate_id FROM candidate_sources WHERE source_type = ? AND source_external_id = ?`,
		src.SourceType, src.SourceExternalID,
	).Scan(&candidateID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lookup candidate after upsert source")
	}

	var c model.Candidate
	err = s.db.QueryRowContext(ctx,
		`SELECT public_id, display_name, email, created_at FROM candidates WHERE public_id = ?`,
		candidateID,
	).Scan(&c.PublicID, &c.DisplayName, &c.Email, &c.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get candidate after upsert source")
	}
	return &c, nil
}

// sqliteExecer is the subset of *sql.DB/*sql.Tx insertSQLiteSubmission needs,
// so the same insert can run directly against the connection (CreateSubmission)
// or inside a transaction (UpsertSubmissionSource).
type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteSubmission(ctx context.Context, exec sqliteExecer, candidateID, assignmentID string, initial model.Status) (*model.Submission, error) {
	now := time.Now().UTC()
	sub := &model.Submission{
		PublicID:     model.NewPublicID(model.PrefixSubmission),
		CandidateID:  candidateID,
		AssignmentID: assignmentID,
		Status:       initial,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := exec.ExecContext(ctx,
		`INSERT INTO submissions (public_id, candidate_id, assignment_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sub.PublicID, sub.CandidateID, sub.AssignmentID, string(sub.Status), sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert submission")
	}
	return sub, nil
}

func (s *SQLiteStore) CreateSubmission(ctx context.Context, candidateID, assignmentID string, initial model.Status) (*model.Submission, error) {
	return insertSQLiteSubmission(ctx, s.db, candidateID, assignmentID, initial)
}

const sqliteSubmissionSelect = `
	SELECT public_id, candidate_id, assignment_id, status,
	       attempt_telegram_ingest, attempt_normalization, attempt_evaluation, attempt_delivery,
	       claimed_by, claimed_at, lease_expires_at, last_error_code, last_error_message,
	       created_at, updated_at
	FROM submissions`

func (s *SQLiteStore) GetSubmission(ctx context.Context, publicID string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx, sqliteSubmissionSelect+` WHERE public_id = ?`, publicID)
	sub, err := scanSQLiteSubmission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get submission %s", publicID)
	}
	return sub, nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error) {
	query := sqliteSubmissionSelect + ` WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CandidateID != "" {
		query += ` AND candidate_id = ?`
		args = append(args, filter.CandidateID)
	}
	if filter.AssignmentID != "" {
		query += ` AND assignment_id = ?`
		args = append(args, filter.AssignmentID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list submissions")
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanSQLiteSubmission(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan submission")
		}
		out = append(out, *sub)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list submissions iterate")
}

// UpsertSubmissionSource runs the lookup-then-create-then-link sequence in
// one transaction, so a crash between creating the submission and linking
// its source row can never leave an orphaned, source-less submission
// behind (the whole sequence commits or rolls back together).
func (s *SQLiteStore) UpsertSubmissionSource(ctx context.Context, candidateID, assignmentID string, src model.SubmissionSource) (*model.Submission, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: upsert submission source begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT submission_id FROM submission_sources WHERE source_type = ? AND source_external_id = ?`,
		src.SourceType, src.SourceExternalID,
	).Scan(&existingID)

	switch err {
	case nil:
		sub, err := scanSQLiteSubmission(tx.QueryRowContext(ctx, sqliteSubmissionSelect+` WHERE public_id = ?`, existingID))
		if err != nil {
			return nil, false, eris.Wrap(err, "sqlite: get existing submission for source")
		}
		if err := tx.Commit(); err != nil {
			return nil, false, eris.Wrap(err, "sqlite: upsert submission source commit")
		}
		return sub, false, nil
	case sql.ErrNoRows:
		// fall through to create
	default:
		return nil, false, eris.Wrap(err, "sqlite: lookup submission source")
	}

	sub, err := insertSQLiteSubmission(ctx, tx, candidateID, assignmentID, model.StatusTelegramUpdateReceived)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: create submission for source")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO submission_sources (submission_id, source_type, source_external_id) VALUES (?, ?, ?)
		 ON CONFLICT (source_type, source_external_id) DO NOTHING`,
		sub.PublicID, src.SourceType, src.SourceExternalID,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert submission source")
	}

	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: upsert submission source commit")
	}
	return sub, true, nil
}

func scanSQLiteSubmission(row scannable) (*model.Submission, error) {
	var sub model.Submission
	var status string
	var claimedBy, lastErrorCode, lastErrorMsg sql.NullString
	var claimedAt, leaseExpiresAt sql.NullTime

	if err := row.Scan(
		&sub.PublicID, &sub.CandidateID, &sub.AssignmentID, &status,
		&sub.AttemptTelegramIngest, &sub.AttemptNormalization, &sub.AttemptEvaluation, &sub.AttemptDelivery,
		&claimedBy, &claimedAt, &leaseExpiresAt, &lastErrorCode, &lastErrorMsg,
		&sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Status = model.Status(status)
	if claimedBy.Valid {
		sub.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		sub.ClaimedAt = &claimedAt.Time
	}
	if leaseExpiresAt.Valid {
		sub.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	sub.LastErrorCode = lastErrorCode.String
	sub.LastErrorMsg = lastErrorMsg.String
	return &sub, nil
}

// ClaimNext serializes against itself: the store opened its *sql.DB with a
// single connection, so the SELECT+UPDATE pair below never races another
// in-process caller. It does not offer SKIP LOCKED semantics and is not used
// in the multi-worker contention scenarios.
func (s *SQLiteStore) ClaimNext(ctx context.Context, stage model.Stage, workerID string, leaseSeconds int) (*model.Claim, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return nil, eris.Errorf("sqlite: unknown stage %q", stage)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim_next begin tx")
	}
	defer tx.Rollback()

	var publicID string
	err = tx.QueryRowContext(ctx,
		`SELECT public_id FROM submissions WHERE status = ? ORDER BY created_at LIMIT 1`,
		string(d.PreStatus),
	).Scan(&publicID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim_next select candidate")
	}

	now := time.Now().UTC()
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := tx.ExecContext(ctx,
		`UPDATE submissions SET status = ?, claimed_by = ?, claimed_at = ?, lease_expires_at = ?, updated_at = ?
		 WHERE public_id = ? AND status = ?`,
		string(d.InProgress), workerID, now, leaseExpiresAt, now, publicID, string(d.PreStatus),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim_next update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim_next rows affected")
	}
	if n == 0 {
		return nil, nil
	}

	var attempt int
	switch stage {
	case model.StageTelegramIngest:
		err = tx.QueryRowContext(ctx, `SELECT attempt_telegram_ingest FROM submissions WHERE public_id = ?`, publicID).Scan(&attempt)
	case model.StageNormalize:
		err = tx.QueryRowContext(ctx, `SELECT attempt_normalization FROM submissions WHERE public_id = ?`, publicID).Scan(&attempt)
	case model.StageEvaluate:
		err = tx.QueryRowContext(ctx, `SELECT attempt_evaluation FROM submissions WHERE public_id = ?`, publicID).Scan(&attempt)
	case model.StageDeliver:
		err = tx.QueryRowContext(ctx, `SELECT attempt_delivery FROM submissions WHERE public_id = ?`, publicID).Scan(&attempt)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim_next read attempt")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim_next commit")
	}

	return &model.Claim{
		PublicID:       publicID,
		Stage:          stage,
		Attempt:        attempt,
		WorkerID:       workerID,
		LeaseExpiresAt: leaseExpiresAt,
	}, nil
}

func (s *SQLiteStore) HeartbeatClaim(ctx context.Context, publicID string, stage model.Stage, workerID string, leaseSeconds int) (bool, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return false, eris.Errorf("sqlite: unknown stage %q", stage)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET lease_expires_at = ?, updated_at = ?
		 WHERE public_id = ? AND status = ? AND claimed_by = ? AND lease_expires_at > ?`,
		now.Add(time.Duration(leaseSeconds)*time.Second), now, publicID, string(d.InProgress), workerID, now,
	)
	return rowsAffected(res, err, "sqlite: heartbeat_claim")
}

func (s *SQLiteStore) FinalizeSuccess(ctx context.Context, publicID string, stage model.Stage, workerID string) (bool, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return false, eris.Errorf("sqlite: unknown stage %q", stage)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
		    last_error_code = NULL, last_error_message = NULL, updated_at = ?
		 WHERE public_id = ? AND status = ? AND claimed_by = ? AND lease_expires_at > ?`,
		string(d.SuccessStatus), now, publicID, string(d.InProgress), workerID, now,
	)
	return rowsAffected(res, err, "sqlite: finalize_success")
}

func (s *SQLiteStore) FinalizeFailureRetry(ctx context.Context, publicID string, stage model.Stage, workerID string, maxAttempts int, errorCode, errorMessage string) (bool, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return false, eris.Errorf("sqlite: unknown stage %q", stage)
	}
	now := time.Now().UTC()
	query := `UPDATE submissions SET ` + d.AttemptColumn + ` = ` + d.AttemptColumn + ` + 1, status = ?,
	    claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
	    last_error_code = ?, last_error_message = ?, updated_at = ?
	 WHERE public_id = ? AND status = ? AND claimed_by = ? AND lease_expires_at > ? AND ` + d.AttemptColumn + ` + 1 < ?`
	res, err := s.db.ExecContext(ctx, query,
		string(d.FailStatus), errorCode, errorMessage, now, publicID, string(d.InProgress), workerID, now, maxAttempts,
	)
	return rowsAffected(res, err, "sqlite: finalize_failure_retry")
}

func (s *SQLiteStore) FinalizeFailureTerminal(ctx context.Context, publicID string, stage model.Stage, workerID string, errorCode, errorMessage string) (bool, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return false, eris.Errorf("sqlite: unknown stage %q", stage)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = 'dead_letter', claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
		    last_error_code = ?, last_error_message = ?, updated_at = ?
		 WHERE public_id = ? AND status = ? AND claimed_by = ? AND lease_expires_at > ?`,
		errorCode, errorMessage, now, publicID, string(d.InProgress), workerID, now,
	)
	return rowsAffected(res, err, "sqlite: finalize_failure_terminal")
}

func (s *SQLiteStore) ReclaimExpiredRetry(ctx context.Context, stage model.Stage, maxAttempts int, errorCode, errorMessage string) ([]string, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return nil, eris.Errorf("sqlite: unknown stage %q", stage)
	}
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT public_id FROM submissions WHERE status = ? AND lease_expires_at <= ? AND `+d.AttemptColumn+` + 1 < ?`,
		string(d.InProgress), now, maxAttempts,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reclaim_expired_retry select stage=%s", stage)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan reclaim candidate")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: reclaim_expired_retry iterate")
	}

	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE submissions SET `+d.AttemptColumn+` = `+d.AttemptColumn+` + 1, status = ?,
			    claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
			    last_error_code = ?, last_error_message = ?, updated_at = ?
			 WHERE public_id = ?`,
			string(d.FailStatus), errorCode, errorMessage, now, id,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: reclaim_expired_retry update %s", id)
		}
	}
	return ids, nil
}

func (s *SQLiteStore) ReclaimExpiredDeadLetter(ctx context.Context, stage model.Stage, maxAttempts int, errorCode, errorMessage string) ([]string, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return nil, eris.Errorf("sqlite: unknown stage %q", stage)
	}
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT public_id FROM submissions WHERE status = ? AND lease_expires_at <= ? AND `+d.AttemptColumn+` + 1 >= ?`,
		string(d.InProgress), now, maxAttempts,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reclaim_expired_dead_letter select stage=%s", stage)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan dead-letter candidate")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: reclaim_expired_dead_letter iterate")
	}

	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE submissions SET status = 'dead_letter', claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
			    last_error_code = ?, last_error_message = ?, updated_at = ?
			 WHERE public_id = ?`,
			errorCode, errorMessage, now, id,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: reclaim_expired_dead_letter update %s", id)
		}
	}
	return ids, nil
}

func (s *SQLiteStore) TransitionState(ctx context.Context, publicID string, from, to model.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, updated_at = ? WHERE public_id = ? AND status = ?`,
		string(to), time.Now().UTC(), publicID, string(from),
	)
	return rowsAffected(res, err, "sqlite: transition_state")
}

func (s *SQLiteStore) LinkArtifact(ctx context.Context, publicID string, stage model.Stage, ref model.ArtifactRef) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (submission_id, stage, bucket, object_key, schema_version) VALUES (?, ?, ?, ?, ?)`,
		publicID, string(stage), ref.Bucket, ref.ObjectKey, ref.SchemaVersion,
	)
	return eris.Wrapf(err, "sqlite: link_artifact %s stage=%s", publicID, stage)
}

func (s *SQLiteStore) GetLatestArtifact(ctx context.Context, publicID string, stage model.Stage) (*model.Artifact, error) {
	var a model.Artifact
	var stageStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, submission_id, stage, bucket, object_key, schema_version, created_at
		 FROM artifacts WHERE submission_id = ? AND stage = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		publicID, string(stage),
	).Scan(&a.ID, &a.SubmissionID, &stageStr, &a.Bucket, &a.ObjectKey, &a.SchemaVersion, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get latest artifact")
	}
	a.Stage = model.Stage(stageStr)
	return &a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, publicID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, stage, bucket, object_key, schema_version, created_at
		 FROM artifacts WHERE submission_id = ? ORDER BY created_at ASC, id ASC`,
		publicID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts")
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		var stageStr string
		if err := rows.Scan(&a.ID, &a.SubmissionID, &stageStr, &a.Bucket, &a.ObjectKey, &a.SchemaVersion, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact")
		}
		a.Stage = model.Stage(stageStr)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list artifacts iterate")
}

func (s *SQLiteStore) UpsertEvaluation(ctx context.Context, e model.Evaluation) (*model.Evaluation, error) {
	scoresJSON, err := json.Marshal(e.CriterionScores)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal criterion scores")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluations
		   (submission_id, score, criterion_scores, feedback, ai_assist_likelihood, confidence,
		    seed, temperature, chain_version, prompt_version, rubric_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (submission_id) DO UPDATE SET
		   score = excluded.score, criterion_scores = excluded.criterion_scores, feedback = excluded.feedback,
		   ai_assist_likelihood = excluded.ai_assist_likelihood, confidence = excluded.confidence,
		   seed = excluded.seed, temperature = excluded.temperature, chain_version = excluded.chain_version,
		   prompt_version = excluded.prompt_version, rubric_version = excluded.rubric_version,
		   updated_at = excluded.updated_at`,
		e.SubmissionID, e.Score, string(scoresJSON), e.Feedback, e.AIAssistLikelihood, e.Confidence,
		e.Seed, e.Temperature, e.ChainVersion, e.PromptVersion, e.RubricVersion, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert evaluation")
	}
	e.UpdatedAt = now
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return &e, nil
}

func (s *SQLiteStore) GetEvaluation(ctx context.Context, publicID string) (*model.Evaluation, error) {
	var e model.Evaluation
	var scoresJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT submission_id, score, criterion_scores, feedback, ai_assist_likelihood, confidence,
		        seed, temperature, chain_version, prompt_version, rubric_version, created_at, updated_at
		 FROM evaluations WHERE submission_id = ?`,
		publicID,
	).Scan(&e.SubmissionID, &e.Score, &scoresJSON, &e.Feedback, &e.AIAssistLikelihood, &e.Confidence,
		&e.Seed, &e.Temperature, &e.ChainVersion, &e.PromptVersion, &e.RubricVersion, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get evaluation")
	}
	if err := json.Unmarshal([]byte(scoresJSON), &e.CriterionScores); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal criterion scores")
	}
	return &e, nil
}

func (s *SQLiteStore) InsertLLMRun(ctx context.Context, run model.LLMRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_runs
		   (submission_id, provider, model, model_version, prompt_version, rubric_version, result_schema_version,
		    input_tokens, output_tokens, latency_ms, cost_usd, succeeded, error_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SubmissionID, run.Provider, run.Model, run.ModelVersion, run.PromptVersion, run.RubricVersion, run.ResultSchemaVersion,
		run.InputTokens, run.OutputTokens, run.LatencyMS, run.CostUSD, run.Succeeded, nullString(run.ErrorKind),
	)
	return eris.Wrap(err, "sqlite: insert llm run")
}

func (s *SQLiteStore) InsertDelivery(ctx context.Context, d model.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (submission_id, channel, external_message_id) VALUES (?, ?, ?)`,
		d.SubmissionID, string(d.Channel), nullString(d.ExternalMessageID),
	)
	return eris.Wrap(err, "sqlite: insert delivery")
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, publicID string) ([]model.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, channel, external_message_id, created_at
		 FROM deliveries WHERE submission_id = ? ORDER BY created_at ASC`,
		publicID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deliveries")
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		var d model.Delivery
		var channel string
		var extID sql.NullString
		if err := rows.Scan(&d.ID, &d.SubmissionID, &channel, &extID, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delivery")
		}
		d.Channel = model.DeliveryChannel(channel)
		d.ExternalMessageID = extID.String
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list deliveries iterate")
}

// BulkUpsertCandidates runs a plain loop rather than internal/db.BulkUpsert,
// which is written against pgx's COPY protocol and has no SQLite analogue.
func (s *SQLiteStore) BulkUpsertCandidates(ctx context.Context, candidates []model.Candidate) (int64, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	var n int64
	for _, c := range candidates {
		if c.PublicID == "" {
			c.PublicID = model.NewPublicID(model.PrefixCandidate)
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO candidates (public_id, display_name, email, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (public_id) DO UPDATE SET display_name = excluded.display_name, email = excluded.email`,
			c.PublicID, c.DisplayName, c.Email, now,
		)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: bulk upsert candidate %s", c.PublicID)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, eris.Wrap(err, "sqlite: bulk upsert rows affected")
		}
		n += affected
	}
	return n, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func rowsAffected(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, eris.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, op+": rows affected")
	}
	return n > 0, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
