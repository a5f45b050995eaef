package dynamo

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/testutil"
)

type fakeClient struct {
	items   map[string]map[string]types.AttributeValue
	puts    []*dynamodb.PutItemInput
	failPut error
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string]map[string]types.AttributeValue)}
}

func attr(item map[string]types.AttributeValue, name string) string {
	if s, ok := item[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	f.puts = append(f.puts, in)
	f.items[attr(in.Item, "quote_id")+"/"+attr(in.Item, "user_id")] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, attr(in.Key, "quote_id")+"/"+attr(in.Key, "user_id"))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	quoteID := attr(in.ExpressionAttributeValues, ":qid")
	out := &dynamodb.QueryOutput{}
	for _, item := range f.items {
		if attr(item, "quote_id") == quoteID {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func TestPresenceStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := testutil.FixedClock()
	client := newFakeClient()
	s := NewPresenceStore(client, "quote_viewers", 90*time.Second, clk)

	if err := s.Upsert(ctx, models.Viewer{QuoteID: "q-1", UserID: "u-bob", UserName: "Bob"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(ctx, models.Viewer{QuoteID: "q-2", UserID: "u-eve", UserName: "Eve"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	expires, ok := client.puts[0].Item["expires_at"].(*types.AttributeValueMemberN)
	if !ok {
		t.Fatal("expires_at should be a number attribute")
	}
	want := clk.Now().Add(90 * time.Second).Unix()
	if expires.Value != strconv.FormatInt(want, 10) {
		t.Errorf("Expected expires_at %d, got %s", want, expires.Value)
	}

	viewers, err := s.List(ctx, "q-1", clk.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(viewers) != 1 || viewers[0].UserName != "Bob" || !viewers[0].LastSeenAt.Equal(clk.Now()) {
		t.Fatalf("Unexpected viewers %+v", viewers)
	}

	clk.Advance(2 * time.Minute)
	viewers, _ = s.List(ctx, "q-1", clk.Now().Add(-90*time.Second))
	if len(viewers) != 0 {
		t.Errorf("Expired viewer should be filtered, got %+v", viewers)
	}

	if err := s.Delete(ctx, "q-1", "u-bob"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(client.items) != 1 {
		t.Errorf("Expected 1 remaining item, got %d", len(client.items))
	}
}

func TestPresenceStoreWrapsErrors(t *testing.T) {
	client := newFakeClient()
	client.failPut = errors.New("throttled")
	s := NewPresenceStore(client, "quote_viewers", time.Minute, testutil.FixedClock())

	err := s.Upsert(context.Background(), models.Viewer{QuoteID: "q-1", UserID: "u-bob"})
	if !errors.Is(err, client.failPut) {
		t.Errorf("Expected wrapped put error, got %v", err)
	}
}
