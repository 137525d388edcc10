package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/db"
	"github.com/sells-group/submission-grader/internal/model"
)

// PostgresStore implements Store using pgxpool. It is the Store of record:
// every Claim Repository operation (internal/scheduler) ultimately runs one
// of the conditional statements built in stageStatements below.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// stageStatements holds, per stage, the SQL text for the four operations
// whose WHERE/SET clauses reference that stage's attempt counter column.
// Built once at init from model.StageDescriptor.AttemptColumn — a closed,
// compile-time-known set of four column names — never from caller input.
// This is the "switch over a stage enum selecting one of four precomputed
// statements" the design notes require in place of runtime interpolation.
type stageStatementSet struct {
	claimNext             string
	finalizeFailureRetry  string
	reclaimExpiredRetry   string
	reclaimExpiredDeadLtr string
}

var stageStatements = buildStageStatements()

func buildStageStatements() map[model.Stage]stageStatementSet {
	out := make(map[model.Stage]stageStatementSet, len(model.Stages()))
	for _, stage := range model.Stages() {
		d, ok := model.DescriptorFor(stage)
		if !ok {
			continue
		}
		col := d.AttemptColumn
		out[stage] = stageStatementSet{
			claimNext: fmt.Sprintf(`
				WITH next AS (
					SELECT public_id FROM submissions
					WHERE status = $1
					ORDER BY created_at
					FOR UPDATE SKIP LOCKED
					LIMIT 1
				)
				UPDATE submissions s
				SET status = $2, claimed_by = $3, claimed_at = now(),
				    lease_expires_at = now() + ($4 * interval '1 second'), updated_at = now()
				FROM next
				WHERE s.public_id = next.public_id
				RETURNING s.public_id, s.%s, s.lease_expires_at`, col),
			finalizeFailureRetry: fmt.Sprintf(`
				UPDATE submissions
				SET %s = %s + 1, status = $1, claimed_by = NULL, claimed_at = NULL,
				    lease_expires_at = NULL, last_error_code = $2, last_error_message = $3, updated_at = now()
				WHERE public_id = $4 AND status = $5 AND claimed_by = $6 AND lease_expires_at > now()
				  AND %s + 1 < $7`, col, col, col),
			reclaimExpiredRetry: fmt.Sprintf(`
				UPDATE submissions
				SET %s = %s + 1, status = $1, claimed_by = NULL, claimed_at = NULL,
				    lease_expires_at = NULL, last_error_code = $2, last_error_message = $3, updated_at = now()
				WHERE status = $4 AND lease_expires_at <= now() AND %s + 1 < $5
				RETURNING public_id`, col, col, col),
			reclaimExpiredDeadLtr: fmt.Sprintf(`
				UPDATE submissions
				SET status = 'dead_letter', claimed_by = NULL, claimed_at = NULL,
				    lease_expires_at = NULL, last_error_code = $1, last_error_message = $2, updated_at = now()
				WHERE status = $3 AND lease_expires_at <= now() AND %s + 1 >= $4
				RETURNING public_id`, col),
		}
	}
	return out
}

const (
	sqlHeartbeatClaim = `
		UPDATE submissions
		SET lease_expires_at = now() + ($1 * interval '1 second'), updated_at = now()
		WHERE public_id = $2 AND status = $3 AND claimed_by = $4 AND lease_expires_at > now()`

	sqlFinalizeSuccess = `
		UPDATE submissions
		SET status = $1, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
		    last_error_code = NULL, last_error_message = NULL, updated_at = now()
		WHERE public_id = $2 AND status = $3 AND claimed_by = $4 AND lease_expires_at > now()`

	sqlFinalizeFailureTerminal = `
		WITH locked AS (
			SELECT public_id FROM submissions
			WHERE public_id = $1 AND status = $2 AND claimed_by = $3 AND lease_expires_at > now()
			FOR UPDATE
		)
		UPDATE submissions s
		SET status = 'dead_letter', claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
		    last_error_code = $4, last_error_message = $5, updated_at = now()
		FROM locked
		WHERE s.public_id = locked.public_id`

	sqlTransitionState = `
		UPDATE submissions SET status = $1, updated_at = now() WHERE public_id = $2 AND status = $3`

	sqlLinkArtifact = `
		INSERT INTO artifacts (submission_id, stage, bucket, object_key, schema_version, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for use by subsystems that need
// direct query access (e.g. the export job's ad hoc reporting queries).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS candidates (
	public_id    TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email        TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assignments (
	public_id      TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	rubric_version TEXT NOT NULL,
	prompt_version TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidate_sources (
	id                 BIGSERIAL PRIMARY KEY,
	candidate_id       TEXT NOT NULL REFERENCES candidates(public_id),
	source_type        TEXT NOT NULL,
	source_external_id TEXT NOT NULL,
	UNIQUE (source_type, source_external_id)
);

CREATE TABLE IF NOT EXISTS submissions (
	public_id               TEXT PRIMARY KEY,
	candidate_id            TEXT NOT NULL REFERENCES candidates(public_id),
	assignment_id           TEXT NOT NULL REFERENCES assignments(public_id),
	status                  TEXT NOT NULL CHECK (status IN (
		'telegram_update_received', 'telegram_ingest_in_progress', 'uploaded',
		'normalization_in_progress', 'normalized',
		'evaluation_in_progress', 'evaluated',
		'delivery_in_progress', 'delivered',
		'failed_telegram_ingest', 'failed_normalization', 'failed_evaluation', 'failed_delivery',
		'dead_letter'
	)),
	attempt_telegram_ingest INTEGER NOT NULL DEFAULT 0,
	attempt_normalization   INTEGER NOT NULL DEFAULT 0,
	attempt_evaluation      INTEGER NOT NULL DEFAULT 0,
	attempt_delivery        INTEGER NOT NULL DEFAULT 0,
	claimed_by              TEXT,
	claimed_at              TIMESTAMPTZ,
	lease_expires_at        TIMESTAMPTZ,
	last_error_code         TEXT,
	last_error_message      TEXT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (
		(claimed_by IS NULL AND claimed_at IS NULL AND lease_expires_at IS NULL) OR
		(claimed_by IS NOT NULL AND claimed_at IS NOT NULL AND lease_expires_at IS NOT NULL)
	)
);

CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
CREATE INDEX IF NOT EXISTS idx_submissions_status_lease ON submissions(status, lease_expires_at) WHERE lease_expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_submissions_candidate ON submissions(candidate_id);

CREATE TABLE IF NOT EXISTS submission_sources (
	id                 BIGSERIAL PRIMARY KEY,
	submission_id      TEXT NOT NULL REFERENCES submissions(public_id),
	source_type        TEXT NOT NULL,
	source_external_id TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_type, source_external_id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id              BIGSERIAL PRIMARY KEY,
	submission_id   TEXT NOT NULL REFERENCES submissions(public_id),
	stage           TEXT NOT NULL,
	bucket          TEXT NOT NULL,
	object_key      TEXT NOT NULL,
	schema_version  TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_artifacts_submission_stage ON artifacts(submission_id, stage, created_at DESC);

CREATE TABLE IF NOT EXISTS evaluations (
	id                   BIGSERIAL PRIMARY KEY,
	submission_id        TEXT NOT NULL UNIQUE REFERENCES submissions(public_id),
	score                DOUBLE PRECISION NOT NULL,
	criterion_scores     JSONB NOT NULL,
	feedback             TEXT NOT NULL,
	ai_assist_likelihood DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
	seed                 BIGINT NOT NULL DEFAULT 0,
	temperature          DOUBLE PRECISION NOT NULL DEFAULT 0,
	chain_version        TEXT NOT NULL DEFAULT '',
	prompt_version       TEXT NOT NULL DEFAULT '',
	rubric_version       TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS llm_runs (
	id                     BIGSERIAL PRIMARY KEY,
	submission_id          TEXT NOT NULL REFERENCES submissions(public_id),
	provider               TEXT NOT NULL,
	model                  TEXT NOT NULL,
	model_version          TEXT,
	prompt_version         TEXT NOT NULL,
	rubric_version         TEXT NOT NULL,
	result_schema_version  TEXT NOT NULL,
	input_tokens           INTEGER NOT NULL DEFAULT 0,
	output_tokens          INTEGER NOT NULL DEFAULT 0,
	latency_ms             BIGINT NOT NULL DEFAULT 0,
	cost_usd               DOUBLE PRECISION NOT NULL DEFAULT 0,
	succeeded              BOOLEAN NOT NULL,
	error_kind             TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_llm_runs_submission ON llm_runs(submission_id);

CREATE TABLE IF NOT EXISTS deliveries (
	id                   BIGSERIAL PRIMARY KEY,
	submission_id        TEXT NOT NULL REFERENCES submissions(public_id),
	channel              TEXT NOT NULL,
	external_message_id  TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_deliveries_submission ON deliveries(submission_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Identity ---

func (s *PostgresStore) CreateCandidate(ctx context.Context, c model.Candidate) (*model.Candidate, error) {
	if c.PublicID == "" {
		c.PublicID = model.NewPublicID(model.PrefixCandidate)
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candidates (public_id, display_name, email, created_at) VALUES ($1, $2, $3, $4)`,
		c.PublicID, c.DisplayName, c.Email, c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert candidate")
	}
	return &c, nil
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, a model.Assignment) (*model.Assignment, error) {
	if a.PublicID == "" {
		a.PublicID = model.NewPublicID(model.PrefixAssignment)
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (public_id, title, rubric_version, prompt_version, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.PublicID, a.Title, a.RubricVersion, a.PromptVersion, a.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert assignment")
	}
	return &a, nil
}

func (s *PostgresStore) ListAssignments(ctx context.Context) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT public_id, title, rubric_version, prompt_version, created_at FROM assignments ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assignments")
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.PublicID, &a.Title, &a.RubricVersion, &a.PromptVersion, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list assignments iterate")
}

func (s *PostgresStore) UpsertCandidateSource(ctx context.Context, src model.CandidateSource) (*model.Candidate, error) {
	var c model.Candidate
	err := s.pool.QueryRow(ctx,
		`INSERT INTO candidate_sources (candidate_id, source_type, source_external_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (source_type, source_external_id) DO UPDATE SET candidate_id = candidate_sources.candidate_id
		 RETURNING candidate_id`,
		src.CandidateID, src.SourceType, src.SourceExternalID,
	).Scan(&c.PublicID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert candidate source")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT public_id, display_name, email, created_at FROM candidates WHERE public_id = $1`,
		c.PublicID,
	).Scan(&c.PublicID, &c.DisplayName, &c.Email, &c.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get candidate after upsert source")
	}
	return &c, nil
}

// --- Submissions ---

// pgExecer is the subset of db.Pool/pgx.Tx insertSubmission needs, so the
// same insert can run directly against the pool (CreateSubmission) or
// inside a transaction (UpsertSubmissionSource).
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertSubmission(ctx context.Context, exec pgExecer, candidateID, assignmentID string, initial model.Status) (*model.Submission, error) {
	now := time.Now().UTC()
	sub := &model.Submission{
		PublicID:     model.NewPublicID(model.PrefixSubmission),
		CandidateID:  candidateID,
		AssignmentID: assignmentID,
		Status:       initial,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := exec.Exec(ctx,
		`INSERT INTO submissions (public_id, candidate_id, assignment_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.PublicID, sub.CandidateID, sub.AssignmentID, string(sub.Status), sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert submission")
	}
	return sub, nil
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, candidateID, assignmentID string, initial model.Status) (*model.Submission, error) {
	return insertSubmission(ctx, s.pool, candidateID, assignmentID, initial)
}

func (s *PostgresStore) GetSubmission(ctx context.Context, publicID string) (*model.Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, submissionSelectSQL+` WHERE public_id = $1`, publicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get submission %s", publicID)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error) {
	query := submissionSelectSQL + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CandidateID != "" {
		query += fmt.Sprintf(` AND candidate_id = $%d`, argIdx)
		args = append(args, filter.CandidateID)
		argIdx++
	}
	if filter.AssignmentID != "" {
		query += fmt.Sprintf(` AND assignment_id = $%d`, argIdx)
		args = append(args, filter.AssignmentID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list submissions")
	}
	defer rows.Close()

	var out []model.Submission
	for rows.Next() {
		sub, err := scanSubmissionRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan submission")
		}
		out = append(out, *sub)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list submissions iterate")
}

// UpsertSubmissionSource runs the lookup-then-create-then-link sequence in
// one transaction, so a crash between creating the submission and linking
// its source row can never leave an orphaned, source-less submission
// behind (the whole sequence commits or rolls back together).
func (s *PostgresStore) UpsertSubmissionSource(ctx context.Context, candidateID, assignmentID string, src model.SubmissionSource) (*model.Submission, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: begin upsert submission source tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var existingID string
	err = tx.QueryRow(ctx,
		`SELECT submission_id FROM submission_sources WHERE source_type = $1 AND source_external_id = $2`,
		src.SourceType, src.SourceExternalID,
	).Scan(&existingID)

	switch {
	case err == nil:
		sub, err := scanSubmission(tx.QueryRow(ctx, submissionSelectSQL+` WHERE public_id = $1`, existingID))
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: get existing submission for source")
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, eris.Wrap(err, "postgres: commit upsert submission source tx")
		}
		return sub, false, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to create
	default:
		return nil, false, eris.Wrap(err, "postgres: lookup submission source")
	}

	sub, err := insertSubmission(ctx, tx, candidateID, assignmentID, model.StatusTelegramUpdateReceived)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: create submission for source")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO submission_sources (submission_id, source_type, source_external_id, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (source_type, source_external_id) DO NOTHING`,
		sub.PublicID, src.SourceType, src.SourceExternalID,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert submission source")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, eris.Wrap(err, "postgres: commit upsert submission source tx")
	}
	return sub, true, nil
}

const submissionSelectSQL = `
	SELECT public_id, candidate_id, assignment_id, status,
	       attempt_telegram_ingest, attempt_normalization, attempt_evaluation, attempt_delivery,
	       claimed_by, claimed_at, lease_expires_at, last_error_code, last_error_message,
	       created_at, updated_at
	FROM submissions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	return scanSubmissionRow(row)
}

func scanSubmissionRow(row rowScanner) (*model.Submission, error) {
	var sub model.Submission
	var status string
	var lastErrorCode, lastErrorMsg *string
	if err := row.Scan(
		&sub.PublicID, &sub.CandidateID, &sub.AssignmentID, &status,
		&sub.AttemptTelegramIngest, &sub.AttemptNormalization, &sub.AttemptEvaluation, &sub.AttemptDelivery,
		&sub.ClaimedBy, &sub.ClaimedAt, &sub.LeaseExpiresAt, &lastErrorCode, &lastErrorMsg,
		&sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Status = model.Status(status)
	if lastErrorCode != nil {
		sub.LastErrorCode = *lastErrorCode
	}
	if lastErrorMsg != nil {
		sub.LastErrorMsg = *lastErrorMsg
	}
	return &sub, nil
}

// --- Claim Repository backing operations ---

func (s *PostgresStore) ClaimNext(ctx context.Context, stage model.Stage, workerID string, leaseSeconds int) (*model.Claim, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return nil, eris.Errorf("postgres: unknown stage %q", stage)
	}
	stmt := stageStatements[stage].claimNext

	var claim model.Claim
	var attempt int
	var leaseExpiresAt time.Time
	err := s.pool.QueryRow(ctx, stmt, string(d.PreStatus), string(d.InProgress), workerID, leaseSeconds).
		Scan(&claim.PublicID, &attempt, &leaseExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: claim_next stage=%s", stage)
	}
	claim.Stage = stage
	claim.Attempt = attempt
	claim.WorkerID = workerID
	claim.LeaseExpiresAt = leaseExpiresAt
	return &claim, nil
}

func (s *PostgresStore) HeartbeatClaim(ctx context.Context, publicID string, stage model.Stage, workerID string, leaseSeconds int) (bool, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return false, eris.Errorf("postgres: unknown stage %q", stage)
	}
	tag, err := s.pool.Exec(ctx, sqlHeartbeatClaim, leaseSeconds, publicID, string(d.InProgress), workerID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: heartbeat_claim %s", publicID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinalizeSuccess(ctx context.Context, publicID string, stage model.Stage, workerID string) (bool, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return false, eris.Errorf("postgres: unknown stage %q", stage)
	}
	tag, err := s.pool.Exec(ctx, sqlFinalizeSuccess, string(d.SuccessStatus), publicID, string(d.InProgress), workerID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finalize_success %s", publicID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinalizeFailureRetry(ctx context.Context, publicID string, stage model.Stage, workerID string, maxAttempts int, errorCode, errorMessage string) (bool, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return false, eris.Errorf("postgres: unknown stage %q", stage)
	}
	stmt := stageStatements[stage].finalizeFailureRetry
	tag, err := s.pool.Exec(ctx, stmt,
		string(d.FailStatus), errorCode, errorMessage, publicID, string(d.InProgress), workerID, maxAttempts,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finalize_failure_retry %s", publicID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinalizeFailureTerminal(ctx context.Context, publicID string, stage model.Stage, workerID string, errorCode, errorMessage string) (bool, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return false, eris.Errorf("postgres: unknown stage %q", stage)
	}
	tag, err := s.pool.Exec(ctx, sqlFinalizeFailureTerminal, publicID, string(d.InProgress), workerID, errorCode, errorMessage)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finalize_failure_terminal %s", publicID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReclaimExpiredRetry(ctx context.Context, stage model.Stage, maxAttempts int, errorCode, errorMessage string) ([]string, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return nil, eris.Errorf("postgres: unknown stage %q", stage)
	}
	stmt := stageStatements[stage].reclaimExpiredRetry
	rows, err := s.pool.Query(ctx, stmt, string(d.FailStatus), errorCode, errorMessage, string(d.InProgress), maxAttempts)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: reclaim_expired_retry stage=%s", stage)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reclaimed id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: reclaim_expired_retry iterate")
}

func (s *PostgresStore) ReclaimExpiredDeadLetter(ctx context.Context, stage model.Stage, maxAttempts int, errorCode, errorMessage string) ([]string, error) {
	d, ok := model.DescriptorFor(stage)
	if !ok {
		return nil, eris.Errorf("postgres: unknown stage %q", stage)
	}
	stmt := stageStatements[stage].reclaimExpiredDeadLtr
	rows, err := s.pool.Query(ctx, stmt, errorCode, errorMessage, string(d.InProgress), maxAttempts)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: reclaim_expired_dead_letter stage=%s", stage)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead-lettered id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: reclaim_expired_dead_letter iterate")
}

func (s *PostgresStore) TransitionState(ctx context.Context, publicID string, from, to model.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, sqlTransitionState, string(to), publicID, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition_state %s", publicID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) LinkArtifact(ctx context.Context, publicID string, stage model.Stage, ref model.ArtifactRef) error {
	_, err := s.pool.Exec(ctx, sqlLinkArtifact, publicID, string(stage), ref.Bucket, ref.ObjectKey, ref.SchemaVersion)
	return eris.Wrapf(err, "postgres: link_artifact %s stage=%s", publicID, stage)
}

// --- Reads consulted by stage handlers and HTTP ingress ---

func (s *PostgresStore) GetLatestArtifact(ctx context.Context, publicID string, stage model.Stage) (*model.Artifact, error) {
	var a model.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT id, submission_id, stage, bucket, object_key, schema_version, created_at
		 FROM artifacts WHERE submission_id = $1 AND stage = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		publicID, string(stage),
	).Scan(&a.ID, &a.SubmissionID, &a.Stage, &a.Bucket, &a.ObjectKey, &a.SchemaVersion, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get latest artifact")
	}
	return &a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, publicID string) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, stage, bucket, object_key, schema_version, created_at
		 FROM artifacts WHERE submission_id = $1 ORDER BY created_at ASC, id ASC`,
		publicID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list artifacts")
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.SubmissionID, &a.Stage, &a.Bucket, &a.ObjectKey, &a.SchemaVersion, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan artifact")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list artifacts iterate")
}

func (s *PostgresStore) UpsertEvaluation(ctx context.Context, e model.Evaluation) (*model.Evaluation, error) {
	scoresJSON, err := json.Marshal(e.CriterionScores)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal criterion scores")
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO evaluations
		   (submission_id, score, criterion_scores, feedback, ai_assist_likelihood, confidence,
		    seed, temperature, chain_version, prompt_version, rubric_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 ON CONFLICT (submission_id) DO UPDATE SET
		   score = $2, criterion_scores = $3, feedback = $4, ai_assist_likelihood = $5, confidence = $6,
		   seed = $7, temperature = $8, chain_version = $9, prompt_version = $10, rubric_version = $11, updated_at = $12`,
		e.SubmissionID, e.Score, scoresJSON, e.Feedback, e.AIAssistLikelihood, e.Confidence,
		e.Seed, e.Temperature, e.ChainVersion, e.PromptVersion, e.RubricVersion, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert evaluation")
	}
	e.UpdatedAt = now
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return &e, nil
}

func (s *PostgresStore) GetEvaluation(ctx context.Context, publicID string) (*model.Evaluation, error) {
	var e model.Evaluation
	var scoresJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT submission_id, score, criterion_scores, feedback, ai_assist_likelihood, confidence,
		        seed, temperature, chain_version, prompt_version, rubric_version, created_at, updated_at
		 FROM evaluations WHERE submission_id = $1`,
		publicID,
	).Scan(&e.SubmissionID, &e.Score, &scoresJSON, &e.Feedback, &e.AIAssistLikelihood, &e.Confidence,
		&e.Seed, &e.Temperature, &e.ChainVersion, &e.PromptVersion, &e.RubricVersion, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get evaluation")
	}
	if err := json.Unmarshal(scoresJSON, &e.CriterionScores); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal criterion scores")
	}
	return &e, nil
}

func (s *PostgresStore) InsertLLMRun(ctx context.Context, run model.LLMRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_runs
		   (submission_id, provider, model, model_version, prompt_version, rubric_version, result_schema_version,
		    input_tokens, output_tokens, latency_ms, cost_usd, succeeded, error_kind, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())`,
		run.SubmissionID, run.Provider, run.Model, run.ModelVersion, run.PromptVersion, run.RubricVersion, run.ResultSchemaVersion,
		run.InputTokens, run.OutputTokens, run.LatencyMS, run.CostUSD, run.Succeeded, nullIfEmpty(run.ErrorKind),
	)
	return eris.Wrap(err, "postgres: insert llm run")
}

func (s *PostgresStore) InsertDelivery(ctx context.Context, d model.Delivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (submission_id, channel, external_message_id, created_at) VALUES ($1, $2, $3, now())`,
		d.SubmissionID, string(d.Channel), nullIfEmpty(d.ExternalMessageID),
	)
	return eris.Wrap(err, "postgres: insert delivery")
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, publicID string) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, channel, external_message_id, created_at
		 FROM deliveries WHERE submission_id = $1 ORDER BY created_at ASC`,
		publicID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deliveries")
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		var d model.Delivery
		var channel string
		var extID *string
		if err := rows.Scan(&d.ID, &d.SubmissionID, &channel, &extID, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan delivery")
		}
		d.Channel = model.DeliveryChannel(channel)
		if extID != nil {
			d.ExternalMessageID = *extID
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list deliveries iterate")
}

func (s *PostgresStore) BulkUpsertCandidates(ctx context.Context, candidates []model.Candidate) (int64, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(candidates))
	now := time.Now().UTC()
	for i, c := range candidates {
		if c.PublicID == "" {
			c.PublicID = model.NewPublicID(model.PrefixCandidate)
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		rows[i] = []any{c.PublicID, c.DisplayName, c.Email, c.CreatedAt}
	}

	n, err := db.BulkUpsert(ctx, mustPgxPool(s.pool), db.UpsertConfig{
		Table:        "candidates",
		Columns:      []string{"public_id", "display_name", "email", "created_at"},
		ConflictKeys: []string{"public_id"},
		UpdateCols:   []string{"display_name", "email"},
	}, rows)
	return n, eris.Wrap(err, "postgres: bulk upsert candidates")
}

// mustPgxPool narrows db.Pool to *pgxpool.Pool, the concrete type
// db.BulkUpsert requires for its transactional temp-table strategy. Panics
// only on a Store constructed with a non-pgxpool Pool, which never happens
// outside of direct package-internal misuse.
func mustPgxPool(p db.Pool) *pgxpool.Pool {
	pool, ok := p.(*pgxpool.Pool)
	if !ok {
		panic("postgres: BulkUpsertCandidates requires a real *pgxpool.Pool")
	}
	return pool
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
