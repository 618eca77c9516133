package semantic

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/WessleyAI/castmatch/engine/codec"
	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/engine/index"
)

var (
	_ index.Store   = (*VectorStore)(nil)
	_ index.Counter = (*VectorStore)(nil)
)

// --- Mocks ---

type mockPoints struct {
	upserts   []*pb.UpsertPoints
	upsertErr error
	scrolls   []*pb.ScrollResponse
	scrollReq []*pb.ScrollPoints
	scrollErr error
	count     uint64
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upserts = append(m.upserts, in)
	return &pb.PointsOperationResponse{}, m.upsertErr
}

func (m *mockPoints) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	m.scrollReq = append(m.scrollReq, in)
	if m.scrollErr != nil {
		return nil, m.scrollErr
	}
	if len(m.scrolls) == 0 {
		return &pb.ScrollResponse{}, nil
	}
	r := m.scrolls[0]
	m.scrolls = m.scrolls[1:]
	return r, nil
}

func (m *mockPoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return &pb.CountResponse{Result: &pb.CountResult{Count: m.count}}, nil
}

type mockCollections struct {
	listResp  *pb.ListCollectionsResponse
	listErr   error
	created   *pb.CreateCollection
	createErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = in
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}

func point(id uint64, name string, vec []float32) *pb.RetrievedPoint {
	return &pb.RetrievedPoint{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: id}},
		Payload: map[string]*pb.Value{
			payloadDisplayName: {Kind: &pb.Value_StringValue{StringValue: name}},
		},
		Vectors: &pb.VectorsOutput{
			VectorsOptions: &pb.VectorsOutput_Vector{Vector: &pb.VectorOutput{Data: vec}},
		},
	}
}

// --- Tests ---

func TestClose_WithoutConn(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "faces", nil)
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEnsureCollection_AlreadyExists(t *testing.T) {
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{
		Collections: []*pb.CollectionDescription{{Name: "faces"}},
	}}
	vs := NewWithClients(&mockPoints{}, cols, "faces", nil)
	if err := vs.EnsureCollection(context.Background(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.created != nil {
		t.Fatal("collection should not be recreated")
	}
}

func TestEnsureCollection_CreatesCosine(t *testing.T) {
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{}}
	vs := NewWithClients(&mockPoints{}, cols, "faces", nil)
	if err := vs.EnsureCollection(context.Background(), 512); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	params := cols.created.GetVectorsConfig().GetParams()
	if params.GetSize() != 512 || params.GetDistance() != pb.Distance_Cosine {
		t.Fatalf("unexpected params %+v", params)
	}
}

func TestEnsureCollection_Errors(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{listErr: errors.New("rpc fail")}, "faces", nil)
	if err := vs.EnsureCollection(context.Background(), 4); err == nil {
		t.Fatal("expected list error")
	}
	vs = NewWithClients(&mockPoints{}, &mockCollections{listResp: &pb.ListCollectionsResponse{}, createErr: errors.New("create fail")}, "faces", nil)
	if err := vs.EnsureCollection(context.Background(), 4); err == nil {
		t.Fatal("expected create error")
	}
}

func TestSave_StoresNativeVector(t *testing.T) {
	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "faces", codec.Msgpack{})
	data, _ := codec.Msgpack{}.Encode([]float32{0.6, 0.8})

	err := vs.Save(context.Background(), domain.StoredRecord{ID: 42, DisplayName: "Ada", ImageURL: "http://img/42", Vector: data})
	if err != nil {
		t.Fatal(err)
	}
	p := pts.upserts[0].GetPoints()[0]
	if p.GetId().GetNum() != 42 {
		t.Fatalf("point id: %v", p.GetId())
	}
	if got := p.GetVectors().GetVector().GetData(); len(got) != 2 || got[1] != 0.8 {
		t.Fatalf("vector: %v", got)
	}
	if p.GetPayload()[payloadDisplayName].GetStringValue() != "Ada" {
		t.Fatalf("payload: %v", p.GetPayload())
	}
	if !pts.upserts[0].GetWait() {
		t.Fatal("expected synchronous upsert")
	}
}

func TestSave_Errors(t *testing.T) {
	pts := &mockPoints{upsertErr: errors.New("unavailable")}
	vs := NewWithClients(pts, &mockCollections{}, "faces", nil)
	if err := vs.Save(context.Background(), domain.StoredRecord{ID: 1, Vector: []byte("[1]")}); err == nil {
		t.Fatal("expected upsert error")
	}
	if err := vs.Save(context.Background(), domain.StoredRecord{ID: 1, Vector: []byte("{")}); err == nil {
		t.Fatal("expected decode error")
	}
	if err := vs.Save(context.Background(), domain.StoredRecord{ID: -3, Vector: []byte("[1]")}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFindAll_Scrolls(t *testing.T) {
	next := &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: 3}}
	pts := &mockPoints{scrolls: []*pb.ScrollResponse{
		{Result: []*pb.RetrievedPoint{point(1, "a", []float32{1, 0}), point(2, "b", []float32{0, 1})}, NextPageOffset: next},
		{Result: []*pb.RetrievedPoint{point(3, "c", nil)}},
	}}
	vs := NewWithClients(pts, &mockCollections{}, "faces", nil)

	rows, err := vs.FindAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if string(rows[1].Vector) != "[0,1]" || rows[1].DisplayName != "b" {
		t.Fatalf("row: %+v", rows[1])
	}
	if rows[2].Vector != nil {
		t.Fatal("empty point vector should stay empty")
	}
	if pts.scrollReq[1].GetOffset().GetNum() != 3 {
		t.Fatal("second scroll should start at the returned offset")
	}
}

func TestFindAll_Error(t *testing.T) {
	vs := NewWithClients(&mockPoints{scrollErr: errors.New("down")}, &mockCollections{}, "faces", nil)
	if _, err := vs.FindAll(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestCount(t *testing.T) {
	vs := NewWithClients(&mockPoints{count: 9}, &mockCollections{}, "faces", nil)
	n, err := vs.Count(context.Background())
	if err != nil || n != 9 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}

func TestStore_BacksIndex(t *testing.T) {
	ctx := context.Background()
	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "faces", nil)
	idx := index.New(vs, index.Options{Dimension: 2})
	if err := idx.Upsert(ctx, 5, "e", "", []float32{3, 4}); err != nil {
		t.Fatal(err)
	}
	got := pts.upserts[0].GetPoints()[0].GetVectors().GetVector().GetData()
	if got[0] != 0.6 || got[1] != 0.8 {
		t.Fatalf("expected normalized vector, got %v", got)
	}
}
