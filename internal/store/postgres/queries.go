package postgres

const eventColumns = `
    id, title, registration_start, registration_end, start_at, end_at,
    status, registration_status, version, created_at, updated_at`

const triggerColumns = `
    id, event_id, trigger_type, fire_at, state, claim_token, claim_expires_at,
    attempts, next_attempt_at, last_error, skip_reason, escalated, created_at, updated_at`

const auditColumns = `
    id, event_id, trigger_id, trigger_type, old_status, new_status,
    executed_at, mode, actor, outcome, note, escalated`

// Firing order for triggers sharing a fire time.
const triggerOrder = `
ORDER BY fire_at,
    CASE trigger_type
        WHEN 'registration_open' THEN 0
        WHEN 'registration_close' THEN 1
        WHEN 'event_start' THEN 2
        WHEN 'event_end' THEN 3
        ELSE 4
    END,
    id`

const activeStates = `state IN ('pending', 'claimed')`

// Events

const queryInsertEvent = `
INSERT INTO events (` + eventColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryGetEvent = `
SELECT ` + eventColumns + `
FROM events
WHERE id = $1
`

const queryEventExists = `
SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)
`

// NULL parameters leave the column unchanged.
const queryCompareAndUpdateEvent = `
UPDATE events
SET status              = COALESCE($3, status),
    registration_status = COALESCE($4, registration_status),
    registration_start  = COALESCE($5, registration_start),
    registration_end    = COALESCE($6, registration_end),
    start_at            = COALESCE($7, start_at),
    end_at              = COALESCE($8, end_at),
    version             = version + 1,
    updated_at          = $9
WHERE id = $1
  AND version = $2
RETURNING ` + eventColumns

const queryDeleteEvent = `
DELETE FROM events WHERE id = $1
`

const queryListActiveEvents = `
SELECT ` + eventColumns + `
FROM events
WHERE status IN ('upcoming', 'ongoing')
ORDER BY start_at, id
LIMIT $1 OFFSET $2
`

const queryCountEvents = `
SELECT
    COUNT(*) FILTER (WHERE status = 'upcoming'),
    COUNT(*) FILTER (WHERE status = 'ongoing')
FROM events
`

// Triggers

const queryInsertTrigger = `
INSERT INTO lifecycle_triggers (` + triggerColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

const queryGetTrigger = `
SELECT ` + triggerColumns + `
FROM lifecycle_triggers
WHERE id = $1
`

const queryTriggerExists = `
SELECT EXISTS (SELECT 1 FROM lifecycle_triggers WHERE id = $1)
`

const queryActiveForEvent = `
SELECT ` + triggerColumns + `
FROM lifecycle_triggers
WHERE event_id = $1 AND ` + activeStates + triggerOrder

const queryListForEvent = `
SELECT ` + triggerColumns + `
FROM lifecycle_triggers
WHERE event_id = $1` + triggerOrder

const queryDueTriggers = `
SELECT ` + triggerColumns + `
FROM lifecycle_triggers
WHERE (state = 'pending' AND fire_at <= $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
   OR (state = 'claimed' AND claim_expires_at <= $1)` + triggerOrder + `
LIMIT $2
`

const queryUpcomingTriggers = `
SELECT ` + triggerColumns + `
FROM lifecycle_triggers
WHERE ` + activeStates + ` AND fire_at > $1 AND fire_at <= $2` + triggerOrder + `
LIMIT $3
`

const queryOverdueTriggers = `
SELECT ` + triggerColumns + `
FROM lifecycle_triggers
WHERE ` + activeStates + ` AND fire_at <= $1` + triggerOrder + `
LIMIT $2
`

const queryCountTriggers = `
SELECT
    COUNT(*),
    COUNT(*) FILTER (WHERE fire_at <= $1)
FROM lifecycle_triggers
WHERE ` + activeStates

// Claim succeeds only if the row is still due at $3. The WHERE clause is
// evaluated under the row lock, so exactly one concurrent claimer wins.
const queryClaimTrigger = `
UPDATE lifecycle_triggers
SET state = 'claimed', claim_token = $2, claim_expires_at = $4, updated_at = $3
WHERE id = $1
  AND ((state = 'pending' AND fire_at <= $3 AND (next_attempt_at IS NULL OR next_attempt_at <= $3))
    OR (state = 'claimed' AND claim_expires_at <= $3))
`

const heldByToken = `
WHERE id = $1 AND state = 'claimed' AND claim_token = $2
`

const queryReleaseTrigger = `
UPDATE lifecycle_triggers
SET state = 'pending', claim_token = NULL, claim_expires_at = NULL, updated_at = $3` + heldByToken

const queryRecordFailure = `
UPDATE lifecycle_triggers
SET state = 'pending', claim_token = NULL, claim_expires_at = NULL,
    attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = $6` + heldByToken

const queryMarkExecuted = `
UPDATE lifecycle_triggers
SET state = 'executed', claim_expires_at = NULL, updated_at = $3` + heldByToken

const queryMarkSkipped = `
UPDATE lifecycle_triggers
SET state = 'skipped', claim_expires_at = NULL, skip_reason = $3, escalated = $4,
    last_error = CASE WHEN $5 = '' THEN last_error ELSE $5 END, updated_at = $6` + heldByToken

const querySkipTrigger = `
UPDATE lifecycle_triggers
SET state = 'skipped', skip_reason = $2, updated_at = $3
WHERE id = $1 AND ` + activeStates

const querySkipActiveForEvent = `
UPDATE lifecycle_triggers
SET state = 'skipped', skip_reason = $2, updated_at = $3
WHERE event_id = $1 AND ` + activeStates

// Audit

const queryInsertAudit = `
INSERT INTO lifecycle_audit (` + auditColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const queryAudit = `
SELECT ` + auditColumns + `
FROM lifecycle_audit
WHERE ($1::uuid IS NULL OR event_id = $1)
  AND ($2::timestamptz IS NULL OR executed_at >= $2)
  AND ($3::timestamptz IS NULL OR executed_at <= $3)
ORDER BY executed_at, seq
LIMIT $4 OFFSET $5
`

const queryRecentAudit = `
SELECT ` + auditColumns + `
FROM lifecycle_audit
ORDER BY executed_at DESC, seq DESC
LIMIT $1
`
