package store

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/quantfold/strata/internal/schema"
)

// EncodeInstance serialises a strategy instance into a store record payload.
func EncodeInstance(instance schema.Instance) (Record, error) {
	if err := instance.Validate(); err != nil {
		return Record{}, err
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return Record{}, fmt.Errorf("encode instance %s: %w", instance.ID, err)
	}
	return Record{Key: InstanceKey(instance.ID), Data: data, UpdatedAt: instance.UpdatedAt}, nil
}

// DecodeInstance deserialises a store record into a strategy instance.
func DecodeInstance(record Record) (schema.Instance, error) {
	var instance schema.Instance
	if err := json.Unmarshal(record.Data, &instance); err != nil {
		return schema.Instance{}, fmt.Errorf("decode instance %s: %w", record.Key, err)
	}
	if err := instance.Validate(); err != nil {
		return schema.Instance{}, err
	}
	return instance, nil
}

// EncodeGroup serialises an order group into a store record payload.
func EncodeGroup(group schema.OrderGroup) (Record, error) {
	if err := group.Validate(); err != nil {
		return Record{}, err
	}
	data, err := json.Marshal(group)
	if err != nil {
		return Record{}, fmt.Errorf("encode group %s: %w", group.ID, err)
	}
	return Record{Key: GroupKey(group.Owner, group.ID), Data: data, UpdatedAt: group.UpdatedAt}, nil
}

// DecodeGroup deserialises a store record into an order group.
func DecodeGroup(record Record) (schema.OrderGroup, error) {
	var group schema.OrderGroup
	if err := json.Unmarshal(record.Data, &group); err != nil {
		return schema.OrderGroup{}, fmt.Errorf("decode group %s: %w", record.Key, err)
	}
	if err := group.Validate(); err != nil {
		return schema.OrderGroup{}, err
	}
	return group, nil
}
