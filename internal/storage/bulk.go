package storage

import "github.com/jackc/pgx/v4"

type memberRow struct {
	conversationID, userID int64
}

type memberBulk struct {
	rows []memberRow
	idx  int
}

func (m memberRow) toInterface() []interface{} {
	return []interface{}{m.conversationID, m.userID}
}

func copyFromMembers(rows []memberRow) pgx.CopyFromSource {
	return &memberBulk{
		rows: rows,
		idx:  -1,
	}
}

func (mb *memberBulk) Next() bool {
	mb.idx++
	return mb.idx < len(mb.rows)
}

func (mb *memberBulk) Values() ([]interface{}, error) {
	return mb.rows[mb.idx].toInterface(), nil
}

func (mb *memberBulk) Err() error {
	return nil
}
