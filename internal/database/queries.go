package database

const taskColumns = `id, task_key, tag, payload, requires_network, backoff_base_ms, state,
	attempts, next_run_at, last_error, last_http_code, created_at, updated_at, finished_at`

// Forward task queries
const (
	InsertTaskQuery = `
		INSERT INTO forward_tasks (
			id, task_key, tag, payload, requires_network, backoff_base_ms, state,
			attempts, next_run_at, last_error, last_http_code, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	SelectActiveTaskByKeyQuery = `
		SELECT ` + taskColumns + `
		FROM forward_tasks
		WHERE task_key = ? AND state IN ('PENDING', 'RUNNING') AND cancel_requested = 0
		ORDER BY CASE state WHEN 'PENDING' THEN 0 ELSE 1 END
		LIMIT 1
	`

	CancelPendingByKeyQuery = `
		UPDATE forward_tasks
		SET state = 'CANCELLED', finished_at = ?, updated_at = ?
		WHERE task_key = ? AND state = 'PENDING'
	`

	SelectRunningIDsByKeyQuery = `
		SELECT id FROM forward_tasks
		WHERE task_key = ? AND state = 'RUNNING' AND cancel_requested = 0
	`

	RequestCancelByIDQuery = `
		UPDATE forward_tasks SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND state = 'RUNNING'
	`

	SelectDueTasksQuery = `
		SELECT ` + taskColumns + `
		FROM forward_tasks t
		WHERE t.state = 'PENDING'
		  AND t.next_run_at <= ?
		  AND (? = 1 OR t.requires_network = 0)
		  AND NOT EXISTS (
			SELECT 1 FROM forward_tasks r
			WHERE r.task_key = t.task_key AND r.state = 'RUNNING'
		  )
		ORDER BY t.next_run_at, t.created_at
		LIMIT ?
	`

	ClaimTaskQuery = `
		UPDATE forward_tasks SET state = 'RUNNING', updated_at = ?
		WHERE id = ? AND state = 'PENDING'
	`

	CompleteTaskQuery = `
		UPDATE forward_tasks SET
			state = CASE WHEN cancel_requested = 1 AND ? IN ('PENDING', 'RUNNING', 'CANCELLED') THEN 'CANCELLED' ELSE ? END,
			attempts = ?,
			next_run_at = ?,
			last_error = ?,
			last_http_code = ?,
			updated_at = ?,
			finished_at = CASE WHEN cancel_requested = 1 OR ? IN ('SUCCEEDED', 'FAILED', 'CANCELLED') THEN ? ELSE NULL END
		WHERE id = ? AND state = 'RUNNING'
	`

	SelectTaskStateQuery = `SELECT state FROM forward_tasks WHERE id = ?`

	RecoverCancelledRunningQuery = `
		UPDATE forward_tasks SET state = 'CANCELLED', finished_at = ?, updated_at = ?
		WHERE state = 'RUNNING' AND cancel_requested = 1
	`

	RecoverRunningQuery = `
		UPDATE forward_tasks SET state = 'PENDING', updated_at = ?
		WHERE state = 'RUNNING'
	`

	CountTasksByStateQuery = `SELECT state, COUNT(*) FROM forward_tasks GROUP BY state`

	PurgeFinishedTasksQuery = `
		DELETE FROM forward_tasks
		WHERE state IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
		  AND finished_at IS NOT NULL AND finished_at < ?
	`
)

// Settings and status queries
const (
	UpsertSettingQuery = `
		INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	SelectSettingsQuery = `SELECT name, value FROM settings`

	CountSettingsQuery = `SELECT COUNT(*) FROM settings`

	UpsertForwardStatusQuery = `
		INSERT INTO forward_status (id, endpoint, attempt_at_ms, http_code, error_body)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endpoint = excluded.endpoint,
			attempt_at_ms = excluded.attempt_at_ms,
			http_code = excluded.http_code,
			error_body = excluded.error_body
	`

	SelectForwardStatusQuery = `
		SELECT endpoint, attempt_at_ms, http_code, error_body FROM forward_status WHERE id = 1
	`
)
