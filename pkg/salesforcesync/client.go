// Package salesforcesync is the CRM delivery channel for the deliver stage:
// it pushes one submission's scored outcome into Salesforce as fields on the
// candidate's SObject, keyed by an external-ID lookup rather than a stored
// Salesforce record ID, so the deliver stage never needs to persist one.
// Field names come from internal/model.FieldRegistry (loaded the same way
// pkg/notion's old field registry was), so the SOQL/upsert shape is
// data-driven rather than hardcoded per field.
package salesforcesync

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/pkg/salesforce"
)

// Client pushes evaluation feedback into Salesforce.
type Client interface {
	// DeliverFeedback upserts evaluation as fields on the SObject identified
	// by externalIDField/externalID, returning the Salesforce record ID the
	// row now lives at.
	DeliverFeedback(ctx context.Context, externalID string, evaluation model.Evaluation) (recordID string, err error)
}

type client struct {
	sf              salesforce.Client
	registry        *model.FieldRegistry
	sObject         string
	externalIDField string
}

// New creates a Client that syncs through sf, mapping Evaluation fields to
// Salesforce fields via registry. sObject is the target SObject API name
// (e.g. "Candidate_Submission__c"); externalIDField is the custom field
// used to look up an existing record by the candidate's public ID.
func New(sf salesforce.Client, registry *model.FieldRegistry, sObject, externalIDField string) Client {
	return &client{sf: sf, registry: registry, sObject: sObject, externalIDField: externalIDField}
}

func (c *client) DeliverFeedback(ctx context.Context, externalID string, evaluation model.Evaluation) (string, error) {
	fields := c.mapFields(evaluation)

	existingID, err := c.lookupByExternalID(ctx, externalID)
	if err != nil {
		return "", eris.Wrap(err, "salesforcesync: lookup by external id")
	}

	if existingID != "" {
		if err := c.sf.UpdateOne(ctx, c.sObject, existingID, fields); err != nil {
			return "", eris.Wrap(err, "salesforcesync: update existing record")
		}
		return existingID, nil
	}

	fields[c.externalIDField] = externalID
	newID, err := c.sf.InsertOne(ctx, c.sObject, fields)
	if err != nil {
		return "", eris.Wrap(err, "salesforcesync: insert new record")
	}
	return newID, nil
}

// mapFields translates Evaluation's well-known output keys into Salesforce
// field names via the registry, skipping any key the registry has no
// mapping for (internal-only fields with no SFField).
func (c *client) mapFields(evaluation model.Evaluation) map[string]any {
	candidates := map[string]any{
		"score":                evaluation.Score,
		"feedback":             evaluation.Feedback,
		"ai_assist_likelihood": evaluation.AIAssistLikelihood,
		"confidence":           evaluation.Confidence,
		"rubric_version":       evaluation.RubricVersion,
		"prompt_version":       evaluation.PromptVersion,
	}

	fields := make(map[string]any, len(candidates))
	if c.registry == nil {
		return fields
	}
	for key, value := range candidates {
		mapping := c.registry.ByKey(key)
		if mapping == nil || mapping.SFField == "" {
			continue
		}
		fields[mapping.SFField] = value
	}
	return fields
}

func (c *client) lookupByExternalID(ctx context.Context, externalID string) (string, error) {
	soql := fmt.Sprintf("SELECT Id FROM %s WHERE %s = '%s' LIMIT 1", c.sObject, c.externalIDField, soqlEscape(externalID))

	var result struct {
		Records []struct {
			ID string `json:"Id"`
		} `json:"records"`
	}
	if err := c.sf.Query(ctx, soql, &result); err != nil {
		return "", err
	}
	if len(result.Records) == 0 {
		return "", nil
	}
	return result.Records[0].ID, nil
}

// soqlEscape guards against SOQL injection in the one place this package
// builds a query string from caller-supplied input.
func soqlEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

var _ Client = (*client)(nil)
