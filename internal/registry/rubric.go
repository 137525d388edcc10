package registry

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/pkg/notion"
)

// LoadRubricRegistry queries the Notion rubric database for all active
// criteria and returns them as model.RubricCriterion values. Its one caller,
// cmd/bootstrap.go, loads the criteria once at startup for the evaluate
// stage; nothing refreshes them while the process runs.
func LoadRubricRegistry(ctx context.Context, client notion.Client, dbID string) ([]model.RubricCriterion, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Status",
			Status: &notionapi.StatusFilterCondition{
				Equals: "Active",
			},
		},
	}

	pages, err := notion.QueryAll(ctx, client, dbID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load rubric registry")
	}

	var criteria []model.RubricCriterion
	for _, p := range pages {
		c, err := parseRubricPage(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed rubric page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		criteria = append(criteria, c)
	}

	return criteria, nil
}

func parseRubricPage(p notionapi.Page) (model.RubricCriterion, error) {
	c := model.RubricCriterion{
		ID: string(p.ID),
	}

	// Text (title)
	if prop, ok := p.Properties["Text"]; ok {
		if tp, ok := prop.(*notionapi.TitleProperty); ok {
			c.Text = plainText(tp.Title)
		}
	}

	// Key (rich_text)
	if prop, ok := p.Properties["Key"]; ok {
		if rtp, ok := prop.(*notionapi.RichTextProperty); ok {
			c.Key = plainText(rtp.RichText)
		}
	}

	// Weight (number)
	if prop, ok := p.Properties["Weight"]; ok {
		if np, ok := prop.(*notionapi.NumberProperty); ok {
			c.Weight = np.Number
		}
	}

	// Tier (number)
	if prop, ok := p.Properties["Tier"]; ok {
		if np, ok := prop.(*notionapi.NumberProperty); ok {
			c.Tier = int(np.Number)
		}
	}

	// AssignmentTypes (multi_select)
	if prop, ok := p.Properties["AssignmentTypes"]; ok {
		if msp, ok := prop.(*notionapi.MultiSelectProperty); ok {
			for _, opt := range msp.MultiSelect {
				c.AssignmentTypes = append(c.AssignmentTypes, opt.Name)
			}
		}
	}

	// Instructions (rich_text)
	if prop, ok := p.Properties["Instructions"]; ok {
		if rtp, ok := prop.(*notionapi.RichTextProperty); ok {
			c.Instructions = plainText(rtp.RichText)
		}
	}

	// OutputFormat (select)
	if prop, ok := p.Properties["OutputFormat"]; ok {
		if sp, ok := prop.(*notionapi.SelectProperty); ok {
			c.OutputFormat = sp.Select.Name
		}
	}

	// Status (status)
	if prop, ok := p.Properties["Status"]; ok {
		if sp, ok := prop.(*notionapi.StatusProperty); ok {
			c.Status = sp.Status.Name
		}
	}

	if c.Text == "" {
		return c, eris.New("missing Text property")
	}

	return c, nil
}

// plainText concatenates the plain_text values from a slice of RichText.
func plainText(rts []notionapi.RichText) string {
	var s string
	for _, rt := range rts {
		s += rt.PlainText
	}
	return s
}
