package dispatcher

import (
	"crypto/rsa"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/trust"
)

// ApprovalRecord is an on-disk, operator-signed record satisfying one entry
// of a directive's required_approvals list.
type ApprovalRecord struct {
	ApprovalID  string    `json:"approval_id"`
	DirectiveID string    `json:"directive_id"`
	ApprovedBy  string    `json:"approved_by"`
	ApprovedAt  time.Time `json:"approved_at"`
	Signature   string    `json:"signature"`
}

func canonicalApprovalBytes(a *ApprovalRecord) []byte {
	var buf []byte
	buf = append(buf, []byte(a.ApprovalID)...)
	buf = append(buf, []byte(a.DirectiveID)...)
	buf = append(buf, []byte(a.ApprovedBy)...)
	buf = append(buf, []byte(a.ApprovedAt.UTC().Format(time.RFC3339Nano))...)
	return buf
}

// ApprovalStore verifies that a directive's required approvals are
// satisfied by signed records on disk. A missing, unsigned, tampered, or
// mismatched-directive approval record is always a reject.
type ApprovalStore struct {
	dir       string
	publicKey *rsa.PublicKey
}

// NewApprovalStore constructs an ApprovalStore rooted at dir, verifying
// records against publicKey.
func NewApprovalStore(dir string, publicKey *rsa.PublicKey) *ApprovalStore {
	return &ApprovalStore{dir: dir, publicKey: publicKey}
}

// Check verifies that every approval ID in required has a valid, signed
// record on disk naming directiveID.
func (s *ApprovalStore) Check(directiveID string, required []string) error {
	for _, approvalID := range required {
		if err := s.checkOne(directiveID, approvalID); err != nil {
			return err
		}
	}
	return nil
}

func (s *ApprovalStore) checkOne(directiveID, approvalID string) error {
	path := filepath.Join(s.dir, approvalID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return coreerr.Wrap(coreerr.KindContract, "approvals.Check", "required approval "+approvalID+" not found", err)
	}

	var rec ApprovalRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return coreerr.Wrap(coreerr.KindContract, "approvals.Check", "malformed approval record "+approvalID, err)
	}

	if rec.DirectiveID != directiveID {
		return coreerr.Contract("approvals.Check", "approval "+approvalID+" does not name directive "+directiveID)
	}

	if err := trust.VerifyRSAPSS(s.publicKey, canonicalApprovalBytes(&rec), rec.Signature); err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "approvals.Check", "approval "+approvalID+" signature invalid", err)
	}

	return nil
}
