// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	assistantsCollection           = "assistants"
	llmConnectionsCollection       = "llm_connections"
	retrieverConnectionsCollection = "retriever_connections"
)

// MongoConfig configures MongoRepository.
type MongoConfig struct {
	URI      string
	Database string

	// Timeout bounds connect and each query. Default: 10s.
	Timeout time.Duration
}

// MongoRepository implements Repository over MongoDB.
//
// Document IDs may be ObjectIDs or plain strings. ObjectIDs decode into
// the string ID fields as hex.
type MongoRepository struct {
	client     *mongo.Client
	db         *mongo.Database
	timeout    time.Duration
	assistants *mongo.Collection
	llms       *mongo.Collection
	retrievers *mongo.Collection
}

// NewMongoRepository connects and pings the server.
func NewMongoRepository(ctx context.Context, cfg MongoConfig) (*MongoRepository, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, fmt.Errorf("mongo uri and database are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().
		ApplyURI(cfg.URI).
		SetAppName("aleutian-composer").
		SetServerSelectionTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	slog.Info("Connected to MongoDB", "database", cfg.Database)
	return &MongoRepository{
		client:     client,
		db:         db,
		timeout:    cfg.Timeout,
		assistants: db.Collection(assistantsCollection),
		llms:       db.Collection(llmConnectionsCollection),
		retrievers: db.Collection(retrieverConnectionsCollection),
	}, nil
}

// idFilter matches a document whose _id is either the hex ObjectID or the
// literal string.
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{oid, id}}}
	}
	return bson.M{"_id": id}
}

func (r *MongoRepository) findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, out any, notFound error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := coll.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("query %s: %w", coll.Name(), err)
	}
	return nil
}

// AssistantByName implements Repository.
func (r *MongoRepository) AssistantByName(ctx context.Context, name string) (*datatypes.Assistant, error) {
	var a datatypes.Assistant
	if err := r.findOne(ctx, r.assistants, bson.M{"name": name}, &a, fmt.Errorf("%w: name %q", ErrAssistantNotFound, name)); err != nil {
		return nil, err
	}
	return &a, nil
}

// AssistantByID implements Repository.
func (r *MongoRepository) AssistantByID(ctx context.Context, id string) (*datatypes.Assistant, error) {
	var a datatypes.Assistant
	if err := r.findOne(ctx, r.assistants, idFilter(id), &a, fmt.Errorf("%w: id %q", ErrAssistantNotFound, id)); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAssistants implements Repository. Results are sorted by name.
func (r *MongoRepository) ListAssistants(ctx context.Context) ([]datatypes.Assistant, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cur, err := r.assistants.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list assistants: %w", err)
	}
	var out []datatypes.Assistant
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode assistants: %w", err)
	}
	return out, nil
}

// LLMConnection implements Repository.
func (r *MongoRepository) LLMConnection(ctx context.Context, id string) (*datatypes.LLMConnection, error) {
	var c datatypes.LLMConnection
	if err := r.findOne(ctx, r.llms, idFilter(id), &c, fmt.Errorf("%w: llm connection %q", ErrConnectionNotFound, id)); err != nil {
		return nil, err
	}
	return &c, nil
}

// RetrieverConnection implements Repository.
func (r *MongoRepository) RetrieverConnection(ctx context.Context, id string) (*datatypes.RetrieverConnection, error) {
	var c datatypes.RetrieverConnection
	if err := r.findOne(ctx, r.retrievers, idFilter(id), &c, fmt.Errorf("%w: retriever connection %q", ErrConnectionNotFound, id)); err != nil {
		return nil, err
	}
	return &c, nil
}

// Ping checks the server, for readiness probes.
func (r *MongoRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx, nil)
}

// Close implements Repository.
func (r *MongoRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

var _ Repository = (*MongoRepository)(nil)
