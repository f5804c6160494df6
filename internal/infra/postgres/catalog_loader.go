package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"lms-progress-service/internal/domain"
)

// CatalogLoader resolves a course into its flat unit id list from the
// course/lesson/unit hierarchy in Postgres.
type CatalogLoader struct {
	pool *pgxpool.Pool
}

func NewCatalogLoader(pool *pgxpool.Pool) *CatalogLoader {
	return &CatalogLoader{pool: pool}
}

func (l *CatalogLoader) LoadOutline(ctx context.Context, courseID string) (domain.CourseOutline, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT u.id
		FROM units u
		JOIN lessons l ON u.lesson_id = l.id
		WHERE l.course_id = $1
		ORDER BY l.position, u.position, u.id
	`, courseID)
	if err != nil {
		return domain.CourseOutline{}, fmt.Errorf("load outline: %w", err)
	}
	defer rows.Close()

	var unitIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.CourseOutline{}, fmt.Errorf("scan unit id: %w", err)
		}
		unitIDs = append(unitIDs, id)
	}
	if err := rows.Err(); err != nil {
		return domain.CourseOutline{}, fmt.Errorf("load outline: %w", err)
	}

	if len(unitIDs) == 0 {
		var exists bool
		err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1)`, courseID).Scan(&exists)
		if err != nil {
			return domain.CourseOutline{}, fmt.Errorf("check course: %w", err)
		}
		if !exists {
			return domain.CourseOutline{}, domain.ErrCourseNotFound
		}
	}

	return domain.CourseOutline{CourseID: courseID, UnitIDs: unitIDs}, nil
}
