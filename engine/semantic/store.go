// Package semantic stores face embeddings as Qdrant points: one point per
// entity, the entity id as the numeric point id and the vector held natively.
package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/castmatch/engine/codec"
	"github.com/WessleyAI/castmatch/engine/domain"
)

const (
	payloadDisplayName = "display_name"
	payloadImageURL    = "image_url"
	scrollPageSize     = 256
)

// pointsClient is the subset of pb.PointsClient the store uses.
type pointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// collectionsClient is the subset of pb.CollectionsClient the store uses.
type collectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations. The index hands it
// serialized vectors; the store decodes them with its codec so Qdrant keeps
// real vectors, and encodes them again on the way out.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	collection  string
	codec       codec.Codec
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, collection string, c codec.Codec) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, c)
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore on existing clients.
func NewWithClients(points pointsClient, collections collectionsClient, collection string, c codec.Codec) *VectorStore {
	if c == nil {
		c = codec.JSON{}
	}
	return &VectorStore{points: points, collections: collections, collection: collection, codec: c}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection with cosine distance if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// Save upserts a single point and waits for it to be applied.
func (v *VectorStore) Save(ctx context.Context, rec domain.StoredRecord) error {
	if rec.ID < 0 {
		return domain.NewValidationError("id", fmt.Sprint(rec.ID), domain.ErrInvalidArgument)
	}
	vec, err := v.codec.Decode(rec.Vector)
	if err != nil {
		return fmt.Errorf("semantic: decode %d: %w", rec.ID, err)
	}

	wait := true
	_, err = v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(rec.ID)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}},
			},
			Payload: map[string]*pb.Value{
				payloadDisplayName: {Kind: &pb.Value_StringValue{StringValue: rec.DisplayName}},
				payloadImageURL:    {Kind: &pb.Value_StringValue{StringValue: rec.ImageURL}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d: %w", rec.ID, err)
	}
	return nil
}

// FindAll scrolls through the whole collection.
func (v *VectorStore) FindAll(ctx context.Context) ([]domain.StoredRecord, error) {
	var (
		out    []domain.StoredRecord
		offset *pb.PointId
		limit  = uint32(scrollPageSize)
	)
	for {
		resp, err := v.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: v.collection,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: scroll %s: %w", v.collection, err)
		}
		for _, p := range resp.GetResult() {
			rec, err := v.fromPoint(p)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

// Count returns the exact number of points in the collection.
func (v *VectorStore) Count(ctx context.Context) (int64, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{CollectionName: v.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("semantic: count %s: %w", v.collection, err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

func (v *VectorStore) fromPoint(p *pb.RetrievedPoint) (domain.StoredRecord, error) {
	rec := domain.StoredRecord{
		ID:          int64(p.GetId().GetNum()),
		DisplayName: p.GetPayload()[payloadDisplayName].GetStringValue(),
		ImageURL:    p.GetPayload()[payloadImageURL].GetStringValue(),
	}
	data := p.GetVectors().GetVector().GetData()
	if len(data) == 0 {
		// Left empty; the index skips it as malformed.
		return rec, nil
	}
	enc, err := v.codec.Encode(data)
	if err != nil {
		return domain.StoredRecord{}, fmt.Errorf("semantic: encode point %d: %w", rec.ID, err)
	}
	rec.Vector = enc
	return rec, nil
}
