package migrations

import (
	"context"
	"time"

	migrate "github.com/xakep666/mongo-migrate"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var migrateTimeout = time.Minute

var m001 = migrate.Migration{
	Version:     1,
	Description: "backfill account lifecycle",
	Up: func(db *mongo.Database) error {
		ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
		defer cancel()
		_, err := db.Collection("accounts").UpdateMany(ctx, bson.M{
			"lifecycle": bson.M{"$exists": false},
		}, bson.M{
			"$set": bson.M{"lifecycle": "active"},
		})
		return err
	},
	Down: func(db *mongo.Database) error {
		ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
		defer cancel()
		_, err := db.Collection("accounts").UpdateMany(ctx, bson.M{
			"lifecycle": "active",
		}, bson.M{
			"$unset": bson.M{"lifecycle": 1},
		})
		return err
	},
}

var m002 = migrate.Migration{
	Version:     2,
	Description: "record appeal start on appealing accounts",
	Up: func(db *mongo.Database) error {
		ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
		defer cancel()
		cursor, err := db.Collection("accounts").Find(ctx, bson.M{
			"health":            "appeal",
			"appeal_started_at": bson.M{"$exists": false},
		})
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)
		for cursor.Next(ctx) {
			var account struct {
				ID              interface{} `bson:"_id"`
				HealthChangedAt time.Time   `bson:"health_changed_at"`
			}
			if err := cursor.Decode(&account); err != nil {
				return err
			}
			if _, err := db.Collection("accounts").UpdateOne(ctx, bson.M{"_id": account.ID}, bson.M{
				"$set": bson.M{"appeal_started_at": account.HealthChangedAt},
			}); err != nil {
				return err
			}
		}
		return cursor.Err()
	},
	Down: func(db *mongo.Database) error {
		ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
		defer cancel()
		_, err := db.Collection("accounts").UpdateMany(ctx, bson.M{
			"appeal_started_at": bson.M{"$exists": true},
		}, bson.M{
			"$unset": bson.M{"appeal_started_at": 1},
		})
		return err
	},
}

func Migrate(db *mongo.Database) error {
	m := migrate.NewMigrate(
		db,
		m001,
		m002,
	)
	return m.Up(migrate.AllAvailable)
}
