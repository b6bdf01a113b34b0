package pg

import (
	"context"
	"encoding/json"

	"openshelf.org/internal/audit"
)

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log(id, occurred_at, action_type, table_name, record_id, user_id, origin, details)
		values ($1,$2,$3,$4,nullif($5,''),nullif($6,''),nullif($7,''),$8)
	`, e.ID, e.OccurredAt, e.Action, e.TableName, e.RecordID, e.UserID, e.Origin, details)
	return err
}
