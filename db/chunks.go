package db

import (
	"crypto/sha256"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// ChunkID derives the deterministic chunk identifier. Identical pipeline
// runs produce identical ids, which makes the index bulk writes idempotent.
func ChunkID(versionID string, pageNumber, localIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", versionID, pageNumber, localIndex)))
	return fmt.Sprintf("%x", sum[:16])
}

// UpsertChunks writes chunk rows, ignoring conflicts so a restarted chunk
// stage never duplicates or overwrites already-embedded rows.
func (s *DocumentStore) UpsertChunks(chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunks).Error
}

// ListChunks returns all chunks of a version ordered by page and position.
func (s *DocumentStore) ListChunks(versionID string) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.Where("version_id = ?", versionID).
		Order("page_number ASC, local_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// CopyChunks duplicates the chunk rows of one version onto another, vectors
// included. Ids are re-derived for the destination version so the index
// writes stay idempotent. Used by the checksum dedup path to reuse the
// twin's embeddings instead of recomputing them.
func (s *DocumentStore) CopyChunks(fromVersionID, toVersionID string) (int, error) {
	chunks, err := s.ListChunks(fromVersionID)
	if err != nil {
		return 0, err
	}
	copied := make([]Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		chunk.ID = ChunkID(toVersionID, chunk.PageNumber, chunk.LocalIndex)
		chunk.VersionID = toVersionID
		chunk.CreatedAt = time.Time{}
		copied = append(copied, chunk)
	}
	if err := s.UpsertChunks(copied); err != nil {
		return 0, err
	}
	return len(copied), nil
}

// ChunksWithoutVector returns chunks the embed stage has not written yet,
// in deterministic order. A restarted embed stage resumes from this set.
func (s *DocumentStore) ChunksWithoutVector(versionID string) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.Where("version_id = ? AND (vector IS NULL OR vector = '' OR vector = 'null' OR vector = '[]')", versionID).
		Order("page_number ASC, local_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// SetChunkVector persists one embedding.
func (s *DocumentStore) SetChunkVector(chunkID string, vector []float32) error {
	return s.db.Model(&Chunk{}).
		Where("id = ?", chunkID).
		Select("vector").
		Updates(Chunk{Vector: vector}).Error
}

// SetChunkVectors persists a batch of embeddings in one transaction so a
// crash between batches leaves a clean resume point.
func (s *DocumentStore) SetChunkVectors(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	for i, id := range ids {
		if err := tx.Model(&Chunk{}).Where("id = ?", id).
			Select("vector").
			Updates(Chunk{Vector: vectors[i]}).Error; err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit().Error
}

// DeleteChunks removes all chunk rows of a version.
func (s *DocumentStore) DeleteChunks(versionID string) error {
	return s.db.Where("version_id = ?", versionID).Delete(&Chunk{}).Error
}

// CountChunksForPage reports how many chunks a page produced.
func (s *DocumentStore) CountChunksForPage(versionID string, pageNumber int) (int64, error) {
	var count int64
	err := s.db.Model(&Chunk{}).
		Where("version_id = ? AND page_number = ?", versionID, pageNumber).
		Count(&count).Error
	return count, err
}
