package completion

import (
	"slices"

	"github.com/haasonsaas/relay/pkg/models"
)

// Shape assembles [system] + history + [next] and drops the oldest history
// turns while the total length exceeds ShapeRatio × MaxTokens. The system
// turn and next are never dropped. It returns the turns and the output
// allowance, floored at MinOutputTokens.
func (c *Client) Shape(history []models.Turn, next models.Turn) ([]models.Turn, int) {
	turns := make([]models.Turn, 0, len(history)+2)
	head := 0
	if c.cfg.SystemMessage != "" {
		turns = append(turns, models.Turn{Role: models.RoleSystem, Content: c.cfg.SystemMessage})
		head = 1
	}
	turns = append(turns, history...)
	turns = append(turns, next)

	lengths := make([]int, len(turns))
	total := 0
	for i, t := range turns {
		lengths[i] = c.counter.Count(t.Text())
		total += lengths[i]
	}

	limit := int(c.cfg.ShapeRatio * float64(c.cfg.MaxTokens))
	for total > limit && len(turns) > head+1 {
		total -= lengths[head]
		turns = slices.Delete(turns, head, head+1)
		lengths = slices.Delete(lengths, head, head+1)
	}

	return turns, max(c.cfg.MaxTokens-total, c.cfg.MinOutputTokens)
}
