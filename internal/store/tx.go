// SPDX-License-Identifier: BSD-3-Clause

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is a single store transaction, handed to a closure by Store.WithTx.
// Every method here runs against the same underlying *sql.Tx; none of them
// may be called once the closure that received this Tx has returned.
type Tx struct {
	tx *sql.Tx
}

// Exec runs an arbitrary statement against this transaction. It exists for
// seeding data in tests; production code should prefer the named methods
// below.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return translateErr(err)
}

// InServiceMachines returns the names of all machines currently in service.
func (t *Tx) InServiceMachines(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT name FROM machines WHERE in_service = 1 ORDER BY name`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, translateErr(err)
		}
		names = append(names, name)
	}
	return names, translateErr(rows.Err())
}

// JobIDsWithPendingChanges returns the distinct job ids that have at least
// one non-in-progress change row on the given machine.
func (t *Tx) JobIDsWithPendingChanges(ctx context.Context, machine string) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT pc.job_id
		FROM pending_changes pc
		JOIN boards b ON b.id = pc.board_id
		WHERE b.machine = ? AND pc.in_progress = 0
		ORDER BY pc.job_id`, machine)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, translateErr(err)
		}
		ids = append(ids, id)
	}
	return ids, translateErr(rows.Err())
}

// PendingChangesForJob returns every non-in-progress change row for jobID,
// in the same machine's namespace.
func (t *Tx) PendingChangesForJob(ctx context.Context, jobID int64) ([]ChangeRow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT pc.change_id, pc.job_id, pc.board_id, b.machine, pc.from_state, pc.to_state,
		       pc.turn_on, pc.link_n, pc.link_s, pc.link_e, pc.link_w, pc.link_sw, pc.link_ne, pc.in_progress
		FROM pending_changes pc
		JOIN boards b ON b.id = pc.board_id
		WHERE pc.job_id = ? AND pc.in_progress = 0
		ORDER BY pc.change_id`, jobID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var r ChangeRow
		if err := rows.Scan(&r.ChangeID, &r.JobID, &r.BoardID, &r.Machine, &r.FromState, &r.ToState,
			&r.TurnOn, &r.LinkN, &r.LinkS, &r.LinkE, &r.LinkW, &r.LinkSW, &r.LinkNE, &r.InProgress); err != nil {
			return nil, translateErr(err)
		}
		out = append(out, r)
	}
	return out, translateErr(rows.Err())
}

// MarkChangesInProgress sets in_progress = true for the given change ids.
func (t *Tx) MarkChangesInProgress(ctx context.Context, changeIDs []int64) error {
	return t.setInProgress(ctx, changeIDs, true)
}

// ResetChangesInProgress clears in_progress for the given change ids,
// leaving the rows in place (used on PowerRequest failure).
func (t *Tx) ResetChangesInProgress(ctx context.Context, changeIDs []int64) error {
	return t.setInProgress(ctx, changeIDs, false)
}

func (t *Tx) setInProgress(ctx context.Context, changeIDs []int64, v bool) error {
	for _, id := range changeIDs {
		if _, err := t.tx.ExecContext(ctx, `UPDATE pending_changes SET in_progress = ? WHERE change_id = ?`, v, id); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

// DeleteChanges removes the given change rows (used on PowerRequest success).
func (t *Tx) DeleteChanges(ctx context.Context, changeIDs []int64) error {
	for _, id := range changeIDs {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM pending_changes WHERE change_id = ?`, id); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

// DeleteQueuedChangesForJob deletes every remaining change row for a job,
// used when quarantining a board and returning its job to QUEUED.
func (t *Tx) DeleteQueuedChangesForJob(ctx context.Context, jobID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM pending_changes WHERE job_id = ?`, jobID)
	return translateErr(err)
}

// PendingBlacklistOps returns every uncompleted blacklist op on the given
// machine.
func (t *Tx) PendingBlacklistOps(ctx context.Context, machine string) ([]BlacklistOpRow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT o.op_id, o.board_id, b.machine, b.bmp_cabinet, b.bmp_frame, b.board_number,
		       o.kind, o.expected_serial, o.payload_if_write, o.completed, o.failure_exception, o.result_blacklist
		FROM pending_blacklist_ops o
		JOIN boards b ON b.id = o.board_id
		WHERE b.machine = ? AND o.completed = 0
		ORDER BY o.op_id`, machine)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []BlacklistOpRow
	for rows.Next() {
		var r BlacklistOpRow
		if err := rows.Scan(&r.OpID, &r.BoardID, &r.Machine, &r.Coords.Cabinet, &r.Coords.Frame, &r.BoardNumber,
			&r.Kind, &r.ExpectedSerial, &r.PayloadIfWrite, &r.Completed, &r.FailureException, &r.ResultBlacklist); err != nil {
			return nil, translateErr(err)
		}
		out = append(out, r)
	}
	return out, translateErr(rows.Err())
}

// BoardIdentity resolves a board's physical identity and IP, done by the
// taker while the store lock is held so the worker never touches the store.
func (t *Tx) BoardIdentity(ctx context.Context, boardID int64) (BoardIdentity, error) {
	var id BoardIdentity
	id.BoardID = boardID
	row := t.tx.QueryRowContext(ctx, `SELECT bmp_cabinet, bmp_frame, board_number, ip FROM boards WHERE id = ?`, boardID)
	if err := row.Scan(&id.Coords.Cabinet, &id.Coords.Frame, &id.BoardNumber, &id.IP); err != nil {
		return BoardIdentity{}, translateErr(err)
	}
	return id, nil
}

// BoardPower reads a board's current power bit, used by the request taker
// to detect a change row that requires no hardware action (the board is
// already in the requested direction).
func (t *Tx) BoardPower(ctx context.Context, boardID int64) (bool, error) {
	var power bool
	row := t.tx.QueryRowContext(ctx, `SELECT power FROM boards WHERE id = ?`, boardID)
	if err := row.Scan(&power); err != nil {
		return false, translateErr(err)
	}
	return power, nil
}

// SetJobState sets a job's lifecycle state column.
func (t *Tx) SetJobState(ctx context.Context, jobID int64, state string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE jobs SET state = ? WHERE id = ?`, state, jobID)
	if err != nil {
		return translateErr(err)
	}
	return checkAffected(res, jobID)
}

// JobState reads a job's current lifecycle state.
func (t *Tx) JobState(ctx context.Context, jobID int64) (string, error) {
	var state string
	row := t.tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, jobID)
	if err := row.Scan(&state); err != nil {
		return "", translateErr(err)
	}
	return state, nil
}

// SetBoardPower sets a board's power bit and stamps the matching timestamp.
func (t *Tx) SetBoardPower(ctx context.Context, boardID int64, power bool) error {
	col := "last_power_off"
	if power {
		col = "last_power_on"
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE boards SET power = ?, %s = ? WHERE id = ?`, col), power, time.Now().UTC(), boardID)
	return translateErr(err)
}

// DeallocateJobBoards clears the job_id foreign key on every board
// currently allocated to jobID.
func (t *Tx) DeallocateJobBoards(ctx context.Context, jobID int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE boards SET job_id = NULL WHERE job_id = ?`, jobID)
	return translateErr(err)
}

// MarkBoardDead sets a board's functioning bit to false.
func (t *Tx) MarkBoardDead(ctx context.Context, boardID int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE boards SET functioning = 0 WHERE id = ?`, boardID)
	if err != nil {
		return translateErr(err)
	}
	return checkAffected(res, boardID)
}

// InsertBoardIssueReport files an auto-generated board report, attributed
// to the configured system reporter user.
func (t *Tx) InsertBoardIssueReport(ctx context.Context, boardID int64, reporter, message string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO board_issue_reports (board_id, reporter, message, created_at) VALUES (?, ?, ?, ?)`,
		boardID, reporter, message, time.Now().UTC())
	return translateErr(err)
}

// StoreBlacklistReadResult records the outcome of a successful READ op.
func (t *Tx) StoreBlacklistReadResult(ctx context.Context, opID, boardID int64, blacklist, bmpSerial, physicalSerial string) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE boards SET bmp_serial = ?, physical_serial = ? WHERE id = ?`,
		bmpSerial, physicalSerial, boardID); err != nil {
		return translateErr(err)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE pending_blacklist_ops SET completed = 1, result_blacklist = ? WHERE op_id = ?`, blacklist, opID)
	return translateErr(err)
}

// MarkBlacklistOpDone marks a WRITE or GET_SERIAL op complete with no
// result payload.
func (t *Tx) MarkBlacklistOpDone(ctx context.Context, opID int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE pending_blacklist_ops SET completed = 1 WHERE op_id = ?`, opID)
	return translateErr(err)
}

// MarkBlacklistOpFailed marks an op complete with a stored exception.
func (t *Tx) MarkBlacklistOpFailed(ctx context.Context, opID int64, reason string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE pending_blacklist_ops SET completed = 1, failure_exception = ? WHERE op_id = ?`, reason, opID)
	return translateErr(err)
}

func checkAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translateErr(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}
