package session

type result struct {
	rowsAffected int64
}

func NewResult(rowsAffected int64) Result {
	return result{rowsAffected: rowsAffected}
}

func (r result) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}
