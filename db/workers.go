package db

import (
	"errors"
	"time"

	"github.com/tgruben-circuit/kira/ids"
)

const workerCols = `id, user_id, hostname, status, version, capabilities_json, capacity, last_heartbeat, created_at`

func scanWorker(scan func(dest ...any) error) (*Worker, error) {
	var w Worker
	var hb, created int64
	err := scan(&w.ID, &w.UserID, &w.Hostname, &w.Status, &w.Version, &w.Capabilities, &w.Capacity, &hb, &created)
	if err != nil {
		return nil, notFound(err)
	}
	w.LastHeartbeat = fromNanos(hb)
	w.CreatedAt = fromNanos(created)
	return &w, nil
}

// RegisterWorker upserts the worker row for a user. A user runs at most
// one worker; re-registration takes over the existing row, refreshes
// hostname/version/capabilities/capacity, and marks it online.
func (tx *Tx) RegisterWorker(userID, hostname, version, capabilitiesJSON string, capacity int) (*Worker, error) {
	if capacity <= 0 {
		capacity = 3
	}
	if capabilitiesJSON == "" {
		capabilitiesJSON = `["agent"]`
	}
	existing, err := tx.workerForUser(userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		_, err := tx.Exec(
			`UPDATE workers SET hostname = ?, version = ?, capabilities_json = ?,
			 capacity = ?, status = 'online', last_heartbeat = ? WHERE id = ?`,
			hostname, version, capabilitiesJSON, capacity, nanos(tx.Now), existing.ID)
		if err != nil {
			return nil, err
		}
		return tx.GetWorker(existing.ID)
	}
	w := Worker{
		ID:            ids.NewWorker(),
		UserID:        userID,
		Hostname:      hostname,
		Status:        WorkerOnline,
		Version:       version,
		Capabilities:  capabilitiesJSON,
		Capacity:      capacity,
		LastHeartbeat: tx.Now,
		CreatedAt:     tx.Now,
	}
	_, err = tx.Exec(
		`INSERT INTO workers (`+workerCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Hostname, w.Status, w.Version, w.Capabilities, w.Capacity,
		nanos(w.LastHeartbeat), nanos(w.CreatedAt))
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (tx *Tx) workerForUser(userID string) (*Worker, error) {
	return scanWorker(tx.QueryRow(`SELECT `+workerCols+` FROM workers WHERE user_id = ?`, userID).Scan)
}

func (rx *Rx) GetWorker(workerID string) (*Worker, error) {
	return scanWorker(rx.QueryRow(`SELECT `+workerCols+` FROM workers WHERE id = ?`, workerID).Scan)
}

// Heartbeat refreshes last_heartbeat and flips the worker back online
// if the sweeper had demoted it.
func (tx *Tx) Heartbeat(workerID string) error {
	res, err := tx.Exec(
		`UPDATE workers SET last_heartbeat = ?, status = 'online' WHERE id = ?`,
		nanos(tx.Now), workerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleWorkers demotes online workers not heard from since cutoff.
func (tx *Tx) MarkStaleWorkers(cutoff time.Time) (int64, error) {
	res, err := tx.Exec(
		`UPDATE workers SET status = 'stale'
		 WHERE status = 'online' AND last_heartbeat < ?`, nanos(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkOfflineWorkers demotes online and stale workers not heard from
// since cutoff, returning the newly offline workers so the caller can
// fail their tasks and publish events.
func (tx *Tx) MarkOfflineWorkers(cutoff time.Time) ([]Worker, error) {
	rows, err := tx.Query(
		`SELECT `+workerCols+` FROM workers
		 WHERE status IN ('online', 'stale') AND last_heartbeat < ?`, nanos(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range workers {
		if err := tx.SetWorkerStatus(workers[i].ID, WorkerOffline); err != nil {
			return nil, err
		}
		workers[i].Status = WorkerOffline
	}
	return workers, nil
}

func (tx *Tx) SetWorkerStatus(workerID string, status WorkerStatus) error {
	_, err := tx.Exec(`UPDATE workers SET status = ? WHERE id = ?`, status, workerID)
	return err
}

// ListWorkers returns every worker, most recently seen first.
func (rx *Rx) ListWorkers() ([]Worker, error) {
	rows, err := rx.Query(`SELECT ` + workerCols + ` FROM workers ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}
