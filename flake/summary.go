package flake

import "flakeflow/adjudicator"

// BuildSummary projects f onto the adjudicator's input. Attestations are only
// counted so earlier verdicts do not steer the judge.
func BuildSummary(f Flake) adjudicator.Summary {
	items := make([]adjudicator.EvidenceItem, 0, len(f.Evidence))
	for _, e := range f.Evidence {
		items = append(items, adjudicator.EvidenceItem{
			CID:        e.CID,
			UploaderID: e.UploaderID,
			MimeType:   e.MimeType,
			Size:       e.Size,
			Title:      e.Title,
			UploadedAt: e.UploadedAt,
		})
	}
	return adjudicator.Summary{
		FlakeID:          f.ID,
		Title:            f.Title,
		Description:      f.Description,
		VerificationType: string(f.VerificationType),
		Stake:            f.Stake,
		Deadline:         f.Deadline,
		Participants:     len(f.Participants),
		AttestationCount: len(f.Attestations),
		Evidence:         items,
	}
}
