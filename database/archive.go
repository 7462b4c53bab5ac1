package database

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Block is the archival document for a connected block header.
type Block struct {
	ID string `bson:"_id"` //blockhash

	Height int32 `bson:"height"` // should be indexed

	PreviousBlock string `bson:"previous_block"` // indexed
	Version       int32  `bson:"version"`
	Nonce         uint32 `bson:"nonce"`
	Timestamp     int64  `bson:"timestamp"` // time stamp indexed
	Bits          uint32 `bson:"bits"`
	MerkleRoot    string `bson:"merkle_root"`
}

// Transaction is the archival document for full-history lookup, keyed by
// tx hash with its containing block position.
type Transaction struct {
	ID string `bson:"_id,omitempty"` //txhash

	LockTime uint32 `bson:"lock_time"`
	Version  int32  `bson:"version"`

	BlockHash  string `bson:"block_hash"`
	BlockIndex uint32 `bson:"block_index"`
	RawSize    int    `bson:"raw_size"`
}

// ArchiveStore is the optional full-history index. The consensus-critical
// state lives in the KV Store; this mirror only serves getrawtransaction
// style lookups and can lag or be disabled entirely.
type ArchiveStore interface {
	PutBlock(block Block, txs []Transaction) error
	GetTransaction(txid string) (Transaction, error)
	DeleteBlock(blockHash string) error
}

type mongoArchive struct {
	blocks *mongo.Collection
	txs    *mongo.Collection
}

func NewMongoDBConnection(dbUri string) (*mongo.Client, error) {
	ctx := context.Background()
	clientOptions := options.Client().ApplyURI(dbUri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, err
	}

	return client, nil
}

func NewMongoArchive(client *mongo.Client, database string) ArchiveStore {
	db := client.Database(database)
	return &mongoArchive{
		blocks: db.Collection("blocks"),
		txs:    db.Collection("transactions"),
	}
}

func (a *mongoArchive) PutBlock(block Block, txs []Transaction) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := a.blocks.ReplaceOne(context.TODO(), bson.D{{Key: "_id", Value: block.ID}}, block, opts); err != nil {
		return err
	}
	for _, tx := range txs {
		if _, err := a.txs.ReplaceOne(context.TODO(), bson.D{{Key: "_id", Value: tx.ID}}, tx, opts); err != nil {
			return err
		}
	}
	return nil
}

func (a *mongoArchive) GetTransaction(txid string) (Transaction, error) {
	var tx Transaction
	err := a.txs.FindOne(context.TODO(), bson.D{{Key: "_id", Value: txid}}).Decode(&tx)
	if err == mongo.ErrNoDocuments {
		return tx, ErrNotFound
	}
	return tx, err
}

// DeleteBlock drops a disconnected block and its transaction rows so the
// archive never claims a reorged-out block is part of history.
func (a *mongoArchive) DeleteBlock(blockHash string) error {
	if _, err := a.txs.DeleteMany(context.TODO(), bson.D{{Key: "block_hash", Value: blockHash}}); err != nil {
		return err
	}
	_, err := a.blocks.DeleteOne(context.TODO(), bson.D{{Key: "_id", Value: blockHash}})
	return err
}
