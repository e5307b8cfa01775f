package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/propauthz"
)

// SQLRecordLocator reads record relations from the record_relations table,
// which the application keeps in sync with its business tables.
type SQLRecordLocator struct {
	db *squealx.DB
}

func NewSQLRecordLocator(db *squealx.DB) *SQLRecordLocator {
	return &SQLRecordLocator{db: db}
}

func (l *SQLRecordLocator) LocateRecord(ctx context.Context, t propauthz.ObjectType, id string) (*propauthz.RecordRef, error) {
	q := `SELECT organization_id, created_by, assignee_id, participants_json FROM record_relations WHERE object_type = :object_type AND id = :id`
	r, err := l.db.NamedQueryContext(ctx, q, map[string]any{"object_type": t.String(), "id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%s %s: %w", t, id, propauthz.ErrNotFound)
	}
	ref := &propauthz.RecordRef{ObjectType: t, ID: id}
	var participantsJSON string
	if err := r.Scan(&ref.OrganizationID, &ref.CreatedBy, &ref.AssigneeID, &participantsJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participantsJSON), &ref.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of %s %s: %w", t, id, err)
	}
	return ref, nil
}

// PutRecord upserts the relations of one record.
func (l *SQLRecordLocator) PutRecord(ctx context.Context, ref propauthz.RecordRef) error {
	participants := ref.Participants
	if participants == nil {
		participants = []string{}
	}
	b, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	q := `INSERT INTO record_relations(object_type, id, organization_id, created_by, assignee_id, participants_json) VALUES(:object_type, :id, :organization_id, :created_by, :assignee_id, :participants_json)
ON CONFLICT(object_type, id) DO UPDATE SET organization_id = excluded.organization_id, created_by = excluded.created_by, assignee_id = excluded.assignee_id, participants_json = excluded.participants_json`
	_, err = l.db.NamedExecContext(ctx, q, map[string]any{
		"object_type":       ref.ObjectType.String(),
		"id":                ref.ID,
		"organization_id":   ref.OrganizationID,
		"created_by":        ref.CreatedBy,
		"assignee_id":       ref.AssigneeID,
		"participants_json": string(b),
	})
	return err
}
