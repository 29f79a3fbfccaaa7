package recorder

import (
	"context"
	"errors"

	"git.fiblab.net/general/common/v2/mongoutil"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
	"go.mongodb.org/mongo-driver/mongo"
)

// Mongo 每条记录写入一个文档
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongo(ctx context.Context, uri, db, col string) (*Mongo, error) {
	if uri == "" || db == "" || col == "" {
		return nil, errors.New("recorder: mongo needs uri, db and col")
	}
	client := mongoutil.NewClient(uri)
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &Mongo{
		client: client,
		coll:   mongoutil.GetMongoColl(client, config.InputPath{DB: db, Col: col}),
	}, nil
}

func (r *Mongo) Write(ctx context.Context, rec Record) error {
	_, err := r.coll.InsertOne(ctx, rec)
	return err
}

func (r *Mongo) Close() error {
	return r.client.Disconnect(context.Background())
}
