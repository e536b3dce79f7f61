package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// PublicationStoreImpl implements store.PublicationStore.
type PublicationStoreImpl struct {
	db *pgxpool.Pool
}

const publicationColumns = `publication_id, cluster_id, fingerprint_sha256, canonical_title_hash,
	doi, title_raw, title_normalized, year, citation_count, author_text, venue_text,
	pub_url, pdf_url, openalex_enriched, openalex_last_attempt_at`

func scanPublication(row pgx.Row) (*types.Publication, error) {
	var out types.Publication
	if err := row.Scan(&out.ID, &out.ClusterID, &out.FingerprintSHA256, &out.CanonicalTitleHash,
		&out.DOI, &out.TitleRaw, &out.TitleNormalized, &out.Year, &out.CitationCount,
		&out.AuthorText, &out.VenueText, &out.PubURL, &out.PDFURL,
		&out.OpenAlexEnriched, &out.OpenAlexLastAttemptAt); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPublication implements store.PublicationStore.
func (s *PublicationStoreImpl) GetPublication(ctx context.Context, id int64) (*types.Publication, error) {
	out, err := scanPublication(s.db.QueryRow(ctx, `
		SELECT `+publicationColumns+` FROM Publications WHERE publication_id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, skerr.Wrapf(store.ErrNotFound, "publication %d", id)
		}
		return nil, skerr.Wrapf(err, "getting publication %d", id)
	}
	return out, nil
}

// findOne runs a single-row lookup, mapping no-rows to (nil, nil).
func (s *PublicationStoreImpl) findOne(ctx context.Context, where string, arg interface{}) (*types.Publication, error) {
	out, err := scanPublication(s.db.QueryRow(ctx, `
		SELECT `+publicationColumns+` FROM Publications WHERE `+where+`
		ORDER BY publication_id LIMIT 1`, arg))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	return out, nil
}

// FindByClusterID implements store.PublicationStore.
func (s *PublicationStoreImpl) FindByClusterID(ctx context.Context, clusterID string) (*types.Publication, error) {
	if clusterID == "" {
		return nil, nil
	}
	return s.findOne(ctx, `cluster_id = $1`, clusterID)
}

// FindByFingerprint implements store.PublicationStore.
func (s *PublicationStoreImpl) FindByFingerprint(ctx context.Context, fp string) (*types.Publication, error) {
	return s.findOne(ctx, `fingerprint_sha256 = $1`, fp)
}

// FindByCanonicalTitleHash implements store.PublicationStore.
func (s *PublicationStoreImpl) FindByCanonicalTitleHash(ctx context.Context, hash string) (*types.Publication, error) {
	return s.findOne(ctx, `canonical_title_hash = $1`, hash)
}

// CreatePublication implements store.PublicationStore.
func (s *PublicationStoreImpl) CreatePublication(ctx context.Context, p *types.Publication) (int64, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO Publications (cluster_id, fingerprint_sha256, canonical_title_hash, doi,
			title_raw, title_normalized, year, citation_count, author_text, venue_text,
			pub_url, pdf_url, openalex_enriched, openalex_last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING publication_id`,
		p.ClusterID, p.FingerprintSHA256, p.CanonicalTitleHash, p.DOI,
		p.TitleRaw, p.TitleNormalized, p.Year, p.CitationCount, p.AuthorText, p.VenueText,
		p.PubURL, p.PDFURL, p.OpenAlexEnriched, p.OpenAlexLastAttemptAt).Scan(&p.ID)
	if err != nil {
		return 0, skerr.Wrapf(err, "creating publication %q", p.TitleRaw)
	}
	return p.ID, nil
}

// UpdatePublication implements store.PublicationStore.
func (s *PublicationStoreImpl) UpdatePublication(ctx context.Context, p *types.Publication) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE Publications SET cluster_id = $2, fingerprint_sha256 = $3,
			canonical_title_hash = $4, doi = $5, title_raw = $6, title_normalized = $7,
			year = $8, citation_count = $9, author_text = $10, venue_text = $11,
			pub_url = $12, pdf_url = $13, openalex_enriched = $14,
			openalex_last_attempt_at = $15
		WHERE publication_id = $1`,
		p.ID, p.ClusterID, p.FingerprintSHA256, p.CanonicalTitleHash, p.DOI,
		p.TitleRaw, p.TitleNormalized, p.Year, p.CitationCount, p.AuthorText, p.VenueText,
		p.PubURL, p.PDFURL, p.OpenAlexEnriched, p.OpenAlexLastAttemptAt)
	if err != nil {
		return skerr.Wrapf(err, "updating publication %d", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "publication %d", p.ID)
	}
	return nil
}

// AddIdentifier implements store.PublicationStore. On conflict the row is
// only replaced if the new confidence is strictly higher.
func (s *PublicationStoreImpl) AddIdentifier(ctx context.Context, id types.PublicationIdentifier) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO PublicationIdentifiers (publication_id, kind, value_normalized,
			value_raw, confidence, source, evidence_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (publication_id, kind, value_normalized) DO UPDATE SET
			value_raw = excluded.value_raw,
			confidence = excluded.confidence,
			source = excluded.source,
			evidence_url = excluded.evidence_url
		WHERE excluded.confidence > PublicationIdentifiers.confidence`,
		id.PublicationID, string(id.Kind), id.ValueNormalized, id.ValueRaw,
		id.Confidence, id.Source, id.EvidenceURL)
	return skerr.Wrapf(err, "adding %s identifier to publication %d", id.Kind, id.PublicationID)
}

// ListIdentifiers implements store.PublicationStore.
func (s *PublicationStoreImpl) ListIdentifiers(ctx context.Context, publicationID int64) ([]types.PublicationIdentifier, error) {
	rows, err := s.db.Query(ctx, `
		SELECT publication_id, kind, value_normalized, value_raw, confidence, source, evidence_url
		FROM PublicationIdentifiers WHERE publication_id = $1
		ORDER BY kind, value_normalized`, publicationID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []types.PublicationIdentifier
	for rows.Next() {
		var id types.PublicationIdentifier
		var kind string
		if err := rows.Scan(&id.PublicationID, &kind, &id.ValueNormalized, &id.ValueRaw,
			&id.Confidence, &id.Source, &id.EvidenceURL); err != nil {
			return nil, skerr.Wrap(err)
		}
		id.Kind = types.IdentifierKind(kind)
		out = append(out, id)
	}
	return out, skerr.Wrap(rows.Err())
}

// LinkScholar implements store.PublicationStore.
func (s *PublicationStoreImpl) LinkScholar(ctx context.Context, scholarProfileID, publicationID, runID int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO ScholarPublications (scholar_profile_id, publication_id, first_seen_run_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scholar_profile_id, publication_id) DO NOTHING`,
		scholarProfileID, publicationID, runID, now.Now(ctx))
	if err != nil {
		return false, skerr.Wrapf(err, "linking scholar %d to publication %d", scholarProfileID, publicationID)
	}
	return tag.RowsAffected() == 1, nil
}

// ListForEnrichment implements store.PublicationStore.
func (s *PublicationStoreImpl) ListForEnrichment(ctx context.Context, userID int64, attemptedBefore time.Time, limit int) ([]types.Publication, error) {
	q := `
		SELECT DISTINCT p.publication_id, p.cluster_id, p.fingerprint_sha256,
			p.canonical_title_hash, p.doi, p.title_raw, p.title_normalized, p.year,
			p.citation_count, p.author_text, p.venue_text, p.pub_url, p.pdf_url,
			p.openalex_enriched, p.openalex_last_attempt_at
		FROM Publications p
		JOIN ScholarPublications sp ON sp.publication_id = p.publication_id
		JOIN ScholarProfiles sch ON sch.scholar_profile_id = sp.scholar_profile_id
		WHERE sch.user_id = $1 AND NOT p.openalex_enriched
			AND (p.openalex_last_attempt_at IS NULL OR p.openalex_last_attempt_at < $2)
		ORDER BY p.publication_id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(ctx, q, userID, attemptedBefore)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []types.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, *p)
	}
	return out, skerr.Wrap(rows.Err())
}

// MarkEnrichmentAttempt implements store.PublicationStore.
func (s *PublicationStoreImpl) MarkEnrichmentAttempt(ctx context.Context, publicationID int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE Publications SET openalex_last_attempt_at = $2 WHERE publication_id = $1`,
		publicationID, at)
	if err != nil {
		return skerr.Wrapf(err, "marking enrichment attempt on publication %d", publicationID)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "publication %d", publicationID)
	}
	return nil
}

// BestDisplayIdentifier implements store.PublicationStore.
func (s *PublicationStoreImpl) BestDisplayIdentifier(ctx context.Context, publicationID int64) (*types.DisplayIdentifier, error) {
	row := s.db.QueryRow(ctx, `
		SELECT kind, value_normalized, confidence FROM PublicationIdentifiers
		WHERE publication_id = $1
		ORDER BY confidence DESC, kind, value_normalized LIMIT 1`, publicationID)
	var kind, value string
	var confidence float64
	if err := row.Scan(&kind, &value, &confidence); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	return &types.DisplayIdentifier{
		Kind:       types.IdentifierKind(kind),
		Value:      value,
		Label:      strings.ToUpper(kind),
		Confidence: confidence,
	}, nil
}

// FindIdentifierDuplicatePairs implements store.PublicationStore. Each dup
// appears in at most one pair so callers can merge the pairs in order.
func (s *PublicationStoreImpl) FindIdentifierDuplicatePairs(ctx context.Context) ([][2]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT array_agg(publication_id ORDER BY publication_id)
		FROM PublicationIdentifiers
		GROUP BY kind, value_normalized
		HAVING count(*) > 1
		ORDER BY kind, value_normalized`)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var pairs [][2]int64
	seenDup := map[int64]bool{}
	for rows.Next() {
		var ids []int64
		if err := rows.Scan(&ids); err != nil {
			return nil, skerr.Wrap(err)
		}
		winner := ids[0]
		for _, dup := range ids[1:] {
			if dup == winner || seenDup[dup] {
				continue
			}
			seenDup[dup] = true
			pairs = append(pairs, [2]int64{winner, dup})
		}
	}
	return pairs, skerr.Wrap(rows.Err())
}

// MergePublications implements store.PublicationStore.
func (s *PublicationStoreImpl) MergePublications(ctx context.Context, winnerID, dupID int64) error {
	err := crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var exists int
		if err := tx.QueryRow(ctx, `
			SELECT 1 FROM Publications WHERE publication_id = $1`, winnerID).Scan(&exists); err != nil {
			if err == pgx.ErrNoRows {
				return store.ErrNotFound
			}
			// The raw error must reach ExecuteTx unwrapped so crdbpgx can
			// recognize a retryable transaction conflict.
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ScholarPublications SET publication_id = $1
			WHERE publication_id = $2 AND scholar_profile_id NOT IN (
				SELECT scholar_profile_id FROM ScholarPublications WHERE publication_id = $1)`,
			winnerID, dupID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM ScholarPublications WHERE publication_id = $1`, dupID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM PublicationIdentifiers WHERE publication_id = $1`, dupID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM Publications WHERE publication_id = $1`, dupID)
		return err
	})
	return skerr.Wrapf(err, "merging publication %d into %d", dupID, winnerID)
}

// orderColumns whitelists the sortable columns of ListForUser.
var orderColumns = map[string]string{
	"title":      "p.title_normalized",
	"year":       "p.year",
	"citations":  "p.citation_count",
	"scholar":    "sp.scholar_profile_id",
	"pdf_status": "p.pdf_url",
	"first_seen": "sp.created_at",
	"":           "sp.created_at",
}

// ListForUser implements store.PublicationStore.
func (s *PublicationStoreImpl) ListForUser(ctx context.Context, userID int64, opts store.PublicationListOptions) ([]store.PublicationRow, error) {
	col, ok := orderColumns[opts.SortBy]
	if !ok {
		col = orderColumns[""]
	}
	dir := "ASC"
	if opts.SortDesc {
		dir = "DESC"
	}
	q := `
		SELECT p.publication_id, p.cluster_id, p.fingerprint_sha256, p.canonical_title_hash,
			p.doi, p.title_raw, p.title_normalized, p.year, p.citation_count,
			p.author_text, p.venue_text, p.pub_url, p.pdf_url,
			p.openalex_enriched, p.openalex_last_attempt_at,
			sp.scholar_profile_id, sp.is_read, sp.is_favorite, sp.first_seen_run_id, sp.created_at
		FROM ScholarPublications sp
		JOIN ScholarProfiles sch ON sch.scholar_profile_id = sp.scholar_profile_id
		JOIN Publications p ON p.publication_id = sp.publication_id
		WHERE sch.user_id = $1`
	args := []interface{}{userID}
	if !opts.SnapshotBefore.IsZero() {
		q += ` AND sp.created_at <= $2`
		args = append(args, opts.SnapshotBefore)
	}
	q += fmt.Sprintf(" ORDER BY %s %s, p.publication_id", col, dir)
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	var out []store.PublicationRow
	for rows.Next() {
		var r store.PublicationRow
		if err := rows.Scan(&r.ID, &r.ClusterID, &r.FingerprintSHA256, &r.CanonicalTitleHash,
			&r.DOI, &r.TitleRaw, &r.TitleNormalized, &r.Year, &r.CitationCount,
			&r.AuthorText, &r.VenueText, &r.PubURL, &r.PDFURL,
			&r.OpenAlexEnriched, &r.OpenAlexLastAttemptAt,
			&r.ScholarProfileID, &r.IsRead, &r.IsFavorite, &r.FirstSeenRunID, &r.FirstSeenAt); err != nil {
			return nil, skerr.Wrap(err)
		}
		out = append(out, r)
	}
	return out, skerr.Wrap(rows.Err())
}

// MarkAllUnreadAsRead implements store.PublicationStore.
func (s *PublicationStoreImpl) MarkAllUnreadAsRead(ctx context.Context, userID int64) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE ScholarPublications SET is_read = TRUE
		WHERE NOT is_read AND scholar_profile_id IN (
			SELECT scholar_profile_id FROM ScholarProfiles WHERE user_id = $1)`, userID)
	if err != nil {
		return 0, skerr.Wrapf(err, "marking all read for user %d", userID)
	}
	return int(tag.RowsAffected()), nil
}

// MarkSelectedAsRead implements store.PublicationStore.
func (s *PublicationStoreImpl) MarkSelectedAsRead(ctx context.Context, userID int64, publicationIDs []int64) error {
	if len(publicationIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE ScholarPublications SET is_read = TRUE
		WHERE publication_id = ANY($2) AND scholar_profile_id IN (
			SELECT scholar_profile_id FROM ScholarProfiles WHERE user_id = $1)`,
		userID, publicationIDs)
	return skerr.Wrapf(err, "marking selected read for user %d", userID)
}

// SetFavorite implements store.PublicationStore.
func (s *PublicationStoreImpl) SetFavorite(ctx context.Context, userID, publicationID int64, favorite bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE ScholarPublications SET is_favorite = $3
		WHERE publication_id = $2 AND scholar_profile_id IN (
			SELECT scholar_profile_id FROM ScholarProfiles WHERE user_id = $1)`,
		userID, publicationID, favorite)
	if err != nil {
		return skerr.Wrapf(err, "setting favorite for user %d publication %d", userID, publicationID)
	}
	if tag.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "no link for user %d publication %d", userID, publicationID)
	}
	return nil
}

var _ store.PublicationStore = (*PublicationStoreImpl)(nil)
