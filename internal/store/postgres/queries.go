package postgres

const scheduleColumns = `
    id, project_id, strategy_id, frequency_id, patient_id,
    kind, cron_expression, next_execution, schedule_offset, execution_count,
    status, lease_holder, lease_expires_at, version,
    created_at, updated_at`

const queryInsertSchedule = `
INSERT INTO survey_schedules (
    id, project_id, strategy_id, frequency_id, patient_id,
    kind, cron_expression, next_execution, schedule_offset, execution_count,
    status, lease_holder, lease_expires_at, version,
    project_sk, due_sk, admin_sk, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15, $16, $17, $18)
`

const queryGetScheduleByID = `
SELECT` + scheduleColumns + `
FROM survey_schedules
WHERE id = $1
`

// Range scan over the due index; the sort key already orders by
// next execution and then id.
const queryDueSchedules = `
SELECT` + scheduleColumns + `
FROM survey_schedules
WHERE due_sk >= $1
  AND due_sk <= $2
ORDER BY due_sk
LIMIT $3
`

// Single-row compare-and-set: the write lands only if nobody else wrote the
// row since it was read. Sort keys are rewritten in the same statement.
const queryConditionalUpdate = `
UPDATE survey_schedules
SET project_id = $3,
    strategy_id = $4,
    frequency_id = $5,
    patient_id = $6,
    kind = $7,
    cron_expression = $8,
    next_execution = $9,
    schedule_offset = $10,
    execution_count = $11,
    status = $12,
    lease_holder = $13,
    lease_expires_at = $14,
    project_sk = $15,
    due_sk = $16,
    admin_sk = $17,
    updated_at = $18,
    version = version + 1
WHERE id = $1
  AND version = $2
`

const queryListByProject = `
SELECT` + scheduleColumns + `
FROM survey_schedules
WHERE starts_with(project_sk, $1)
ORDER BY project_sk
LIMIT $2
`

const queryListByStrategyPatient = `
SELECT` + scheduleColumns + `
FROM survey_schedules
WHERE starts_with(admin_sk, $1)
ORDER BY admin_sk
LIMIT $2
`

const queryListExpiredLeases = `
SELECT` + scheduleColumns + `
FROM survey_schedules
WHERE lease_holder <> ''
  AND lease_expires_at <> ''
  AND lease_expires_at < $1
ORDER BY lease_expires_at, id
LIMIT $2
`

const queryGetPatient = `
SELECT id, project_id, email, phone, language, is_active
FROM patients
WHERE project_id = $1 AND id = $2
`

const queryGetFrequency = `
SELECT id, strategy_id, termination_kind, termination_occurrences, termination_date, survey_ids
FROM frequencies
WHERE strategy_id = $1 AND id = $2
`

const queryGetProject = `
SELECT id, name
FROM projects
WHERE id = $1
`
