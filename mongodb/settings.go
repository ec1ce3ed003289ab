package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/idfleet/idfleet/decommission"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const decomSettingsID = "decommission"

// Settings holds runtime settings edited outside this service. Fields
// missing from the stored document fall back to the defaults.
type Settings struct {
	col      *mongo.Collection
	defaults decommission.Config
}

func NewSettings(_ context.Context, db *mongo.Database, defaults decommission.Config) (*Settings, error) {
	return &Settings{
		col:      db.Collection("settings"),
		defaults: defaults,
	}, nil
}

// LoadSettings returns the stored decommission settings merged over the defaults.
func (s *Settings) LoadSettings(ctx context.Context) (decommission.Config, error) {
	conf := s.defaults
	res := s.col.FindOne(ctx, bson.M{"_id": decomSettingsID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return conf, nil
		}
		return conf, fmt.Errorf("loading settings: %v", err)
	}
	if err := res.Decode(&conf); err != nil {
		return s.defaults, fmt.Errorf("decoding settings: %v", err)
	}
	return conf, nil
}

// SaveSettings replaces the stored decommission settings.
func (s *Settings) SaveSettings(ctx context.Context, conf decommission.Config) error {
	_, err := s.col.ReplaceOne(ctx, bson.M{"_id": decomSettingsID}, conf, options.Replace().SetUpsert(true))
	return err
}
