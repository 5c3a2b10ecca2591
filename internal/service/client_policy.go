package service

import (
	"context"
	"errors"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"

	"github.com/sirupsen/logrus"
)

// clientPolicy is last-write-wins. A newer server copy is never a conflict.
type clientPolicy struct {
	log logrus.FieldLogger
}

var clientFields = []struct {
	keys []string
	set  func(c *domain.Client, v string)
}{
	{[]string{"name"}, func(c *domain.Client, v string) { c.Name = v }},
	{[]string{"phone"}, func(c *domain.Client, v string) { c.Phone = v }},
	{[]string{"address"}, func(c *domain.Client, v string) { c.Address = v }},
	{[]string{"nif"}, func(c *domain.Client, v string) { c.NIF = v }},
	{[]string{"rc"}, func(c *domain.Client, v string) { c.RC = v }},
	{[]string{"ai"}, func(c *domain.Client, v string) { c.AI = v }},
}

func (p *clientPolicy) Evaluate(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, _ Actor) (Evaluation, error) {
	client, err := tx.GetClient(ctx, action.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		return reject(domain.ErrEntityNotFound, "client not found", nil), nil
	}
	if err != nil {
		return Evaluation{}, err
	}

	if client.UpdatedAt.After(action.OccurredAt) {
		p.log.WithFields(logrus.Fields{
			"client_id":         client.ID,
			"server_updated_at": client.UpdatedAt,
			"occurred_at":       action.OccurredAt,
			"client_action_id":  action.ClientActionID,
		}).Warn("server copy is newer, accepting client update anyway")
	}

	return admit(), nil
}

func (p *clientPolicy) Apply(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (*ApplyResult, error) {
	client, err := tx.GetClient(ctx, action.EntityID)
	if err != nil {
		return nil, err
	}

	changed := map[string]interface{}{}
	for _, f := range clientFields {
		if v, ok := payloadString(action.Payload, f.keys...); ok {
			f.set(client, v)
			changed[f.keys[0]] = v
		}
	}

	client.SyncActions = domain.StampSyncAction(client.SyncActions, action.ClientActionID)
	client.UpdatedAt = actor.Now
	client.UpdatedSeq = actor.Now.UnixNano()
	tx.SaveClient(client)

	return &ApplyResult{
		Success:        true,
		ServerEntityID: client.ID,
		AfterState:     changed,
	}, nil
}

func (p *clientPolicy) Applied(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction) (string, bool, error) {
	client, err := tx.GetClient(ctx, action.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return client.ID, domain.HasSyncAction(client.SyncActions, action.ClientActionID), nil
}
