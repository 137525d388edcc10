package salesforcesync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/pkg/salesforce"
)

type stubSF struct {
	queryFn    func(ctx context.Context, soql string, out any) error
	insertFn   func(ctx context.Context, sObjectName string, record map[string]any) (string, error)
	updateFn   func(ctx context.Context, sObjectName, id string, fields map[string]any) error
	lastUpdate map[string]any
	lastInsert map[string]any
}

func (s *stubSF) Query(ctx context.Context, soql string, out any) error {
	if s.queryFn != nil {
		return s.queryFn(ctx, soql, out)
	}
	return nil
}

func (s *stubSF) InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error) {
	s.lastInsert = record
	if s.insertFn != nil {
		return s.insertFn(ctx, sObjectName, record)
	}
	return "a01new", nil
}

func (s *stubSF) InsertCollection(ctx context.Context, sObjectName string, records []map[string]any) ([]salesforce.CollectionResult, error) {
	return nil, nil
}

func (s *stubSF) UpdateOne(ctx context.Context, sObjectName, id string, fields map[string]any) error {
	s.lastUpdate = fields
	if s.updateFn != nil {
		return s.updateFn(ctx, sObjectName, id, fields)
	}
	return nil
}

func (s *stubSF) UpdateCollection(ctx context.Context, sObjectName string, records []salesforce.CollectionRecord) ([]salesforce.CollectionResult, error) {
	return nil, nil
}

func (s *stubSF) DescribeSObject(ctx context.Context, name string) (*salesforce.SObjectDescription, error) {
	return nil, nil
}

var _ salesforce.Client = (*stubSF)(nil)

func testRegistry() *model.FieldRegistry {
	return model.NewFieldRegistry([]model.FieldMapping{
		{Key: "score", SFField: "Score__c"},
		{Key: "feedback", SFField: "Feedback__c"},
		{Key: "ai_assist_likelihood", SFField: "AI_Assist_Likelihood__c"},
		{Key: "confidence", SFField: ""}, // deliberately unmapped
	})
}

func TestDeliverFeedback_UpdatesExistingRecord(t *testing.T) {
	stub := &stubSF{
		queryFn: func(_ context.Context, _ string, out any) error {
			result := out.(*struct {
				Records []struct {
					ID string `json:"Id"`
				} `json:"records"`
			})
			result.Records = append(result.Records, struct {
				ID string `json:"Id"`
			}{ID: "a01existing"})
			return nil
		},
	}

	c := New(stub, testRegistry(), "Candidate_Submission__c", "Candidate_Public_Id__c")
	recordID, err := c.DeliverFeedback(context.Background(), "cand_123", model.Evaluation{Score: 8.5, Feedback: "nice work"})
	require.NoError(t, err)
	assert.Equal(t, "a01existing", recordID)
	assert.Equal(t, 8.5, stub.lastUpdate["Score__c"])
	assert.Equal(t, "nice work", stub.lastUpdate["Feedback__c"])
	assert.Len(t, stub.lastUpdate, 3)
}

func TestDeliverFeedback_InsertsWhenNoExistingRecord(t *testing.T) {
	stub := &stubSF{
		queryFn: func(_ context.Context, _ string, out any) error { return nil },
	}

	c := New(stub, testRegistry(), "Candidate_Submission__c", "Candidate_Public_Id__c")
	recordID, err := c.DeliverFeedback(context.Background(), "cand_123", model.Evaluation{Score: 9.0})
	require.NoError(t, err)
	assert.Equal(t, "a01new", recordID)
	assert.Equal(t, "cand_123", stub.lastInsert["Candidate_Public_Id__c"])
}

func TestDeliverFeedback_LookupErrorPropagates(t *testing.T) {
	stub := &stubSF{
		queryFn: func(_ context.Context, _ string, _ any) error { return errors.New("boom") },
	}

	c := New(stub, testRegistry(), "Candidate_Submission__c", "Candidate_Public_Id__c")
	_, err := c.DeliverFeedback(context.Background(), "cand_123", model.Evaluation{})
	assert.Error(t, err)
}

func TestSOQLEscape_GuardsQuotesAndBackslashes(t *testing.T) {
	assert.Equal(t, `O\'Brien`, soqlEscape(`O'Brien`))
	assert.Equal(t, `back\\slash`, soqlEscape(`back\slash`))
}
