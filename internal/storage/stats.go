package storage

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Dashboard aggregates the counters and rollups shown on the dashboard. The
// four scalar counts are independent queries and run through an errgroup; the
// single-connection pool serializes them, the group just collects errors.
func (s *Store) Dashboard(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats

	g, ctx := errgroup.WithContext(ctx)

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM conversations`, &stats.TotalConversations},
		{`SELECT COUNT(*) FROM feedback`, &stats.TotalFeedback},
		{`SELECT COUNT(*) FROM feedback WHERE type = 'like'`, &stats.TotalLikes},
		{`SELECT COUNT(*) FROM feedback WHERE type = 'dislike'`, &stats.TotalDislikes},
	}
	for _, c := range counts {
		g.Go(func() error {
			if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
				return fmt.Errorf("counting (%s): %w", c.query, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return DashboardStats{}, err
	}

	rollup, err := s.feedbackRollup(ctx)
	if err != nil {
		return DashboardStats{}, err
	}
	stats.WithFeedback = rollup

	faq, err := s.ListFAQ()
	if err != nil {
		return DashboardStats{}, err
	}
	stats.FAQ = faq

	return stats, nil
}

// feedbackRollup returns like/dislike counts per conversation that has at
// least one feedback record.
func (s *Store) feedbackRollup(ctx context.Context) ([]ConversationFeedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title,
			SUM(CASE WHEN f.type = 'like' THEN 1 ELSE 0 END),
			SUM(CASE WHEN f.type = 'dislike' THEN 1 ELSE 0 END)
		FROM conversations c
		JOIN feedback f ON f.conversation_id = c.id
		GROUP BY c.id, c.title
		ORDER BY c.created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationFeedback
	for rows.Next() {
		var cf ConversationFeedback
		if err := rows.Scan(&cf.ConversationID, &cf.Title, &cf.Likes, &cf.Dislikes); err != nil {
			return nil, err
		}
		results = append(results, cf)
	}
	return results, rows.Err()
}
