package qdrant

import (
	"context"
	"fmt"
	"os"
	"time"

	qdrant "github.com/qdrant/go-client/qdrant"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"edu-rag/internal/vectorstore"
)

const defaultCollection = "content_chunks"

// Index is an optional Qdrant-backed ANN index mirroring the pgvector
// column. It satisfies vectorstore.ANNIndex.
type Index struct {
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	conn        *grpc.ClientConn
	collection  string
	dimension   int
}

// NewIndex establishes a gRPC connection to Qdrant using
// QDRANT_SERVICE_HOST/QDRANT_SERVICE_PORT and verifies it with a
// health check.
func NewIndex(ctx context.Context, dimension int) (*Index, error) {
	host := os.Getenv("QDRANT_SERVICE_HOST")
	port := os.Getenv("QDRANT_SERVICE_PORT")
	if host == "" || port == "" {
		return nil, fmt.Errorf("QDRANT_SERVICE_HOST or QDRANT_SERVICE_PORT is not set")
	}

	addr := fmt.Sprintf("%s:%s", host, port)
	logrus.WithField("address", addr).Info("connecting to Qdrant gRPC service")

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("did not connect: %w", err)
	}

	idx := &Index{
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		conn:        conn,
		collection:  defaultCollection,
		dimension:   dimension,
	}

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := idx.collections.List(healthCtx, &qdrant.ListCollectionsRequest{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}

	logrus.Info("successfully connected to Qdrant")
	return idx, nil
}

// Close tears down the gRPC connection.
func (i *Index) Close() error { return i.conn.Close() }

// EnsureCollection creates the chunk collection with cosine distance
// and a payload index on material_id if it does not exist yet.
func (i *Index) EnsureCollection(ctx context.Context) error {
	log := logrus.WithField("collection_name", i.collection)

	_, err := i.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: i.collection,
	})
	if err == nil {
		log.Info("collection already exists")
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != codes.NotFound {
		return fmt.Errorf("could not get collection info: %w", err)
	}

	log.Info("collection not found, creating it now")
	_, err = i.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(i.dimension),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("could not create collection: %w", err)
	}

	wait := true
	_, err = i.points.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: i.collection,
		FieldName:      "material_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("could not create 'material_id' payload index: %w", err)
	}

	log.Info("collection and payload index created successfully")
	return nil
}

// UpsertPoints mirrors embedded chunks into the collection, keyed by
// chunk id.
func (i *Index) UpsertPoints(ctx context.Context, points []vectorstore.IndexPoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, len(points))
	for n, p := range points {
		structs[n] = &qdrant.PointStruct{
			Id: &qdrant.PointId{
				PointIdOptions: &qdrant.PointId_Uuid{Uuid: p.ChunkID},
			},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: p.Vector},
				},
			},
			Payload: map[string]*qdrant.Value{
				"material_id": {Kind: &qdrant.Value_StringValue{StringValue: p.MaterialID}},
			},
		}
	}

	wait := true
	_, err := i.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: i.collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

// Search runs a filtered nearest-neighbor query and returns chunk ids
// with similarity scores, best first.
func (i *Index) Search(ctx context.Context, vector vectorstore.Vector, threshold float64, limit int, filter vectorstore.Filter) ([]vectorstore.ScoredID, error) {
	req := &qdrant.SearchPoints{
		CollectionName: i.collection,
		Vector:         vector,
		Limit:          uint64(limit),
	}
	if threshold > 0 {
		t := float32(threshold)
		req.ScoreThreshold = &t
	}
	if filter != nil {
		qf, err := toQdrantFilter(filter)
		if err != nil {
			return nil, err
		}
		req.Filter = qf
	}

	resp, err := i.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	scored := make([]vectorstore.ScoredID, 0, len(resp.Result))
	for _, p := range resp.Result {
		scored = append(scored, vectorstore.ScoredID{
			ChunkID: p.Id.GetUuid(),
			Score:   float64(p.Score),
		})
	}
	return scored, nil
}

// toQdrantFilter compiles the closed Filter union into a qdrant Must
// clause. And maps onto Must's conjunctive semantics directly.
func toQdrantFilter(f vectorstore.Filter) (*qdrant.Filter, error) {
	conditions, err := toConditions(f)
	if err != nil {
		return nil, err
	}
	return &qdrant.Filter{Must: conditions}, nil
}

func toConditions(f vectorstore.Filter) ([]*qdrant.Condition, error) {
	switch v := f.(type) {
	case vectorstore.DocumentIDFilter:
		return []*qdrant.Condition{fieldCondition(&qdrant.Match{
			MatchValue: &qdrant.Match_Keyword{Keyword: v.ID},
		})}, nil
	case vectorstore.DocumentIDSetFilter:
		return []*qdrant.Condition{fieldCondition(&qdrant.Match{
			MatchValue: &qdrant.Match_Keywords{
				Keywords: &qdrant.RepeatedStrings{Strings: v.IDs},
			},
		})}, nil
	case vectorstore.AndFilter:
		left, err := toConditions(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := toConditions(v.Right)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	default:
		return nil, fmt.Errorf("unknown filter type %T", f)
	}
}

func fieldCondition(match *qdrant.Match) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   "material_id",
				Match: match,
			},
		},
	}
}
