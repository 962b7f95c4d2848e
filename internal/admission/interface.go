package admission

import (
	"context"

	"dlgate/internal/models"
)

// ServiceInterface is what the HTTP layer needs from the admission service.
type ServiceInterface interface {
	// Check decides one download request.
	Check(ctx context.Context, clientAddr string, req *models.CheckRequest) (*Decision, error)

	// IssueChallenge binds a puzzle or ticket challenge.
	IssueChallenge(ctx context.Context, clientAddr, family, resource string) (*models.ChallengeResponse, error)

	// RenderInteractive returns the interactive cookie and page nonce.
	RenderInteractive(clientAddr, resource string) (string, *models.InteractiveRenderResponse, error)

	// VerifyInteractive admits a completed interactive challenge.
	VerifyInteractive(ctx context.Context, clientAddr, cookie string, req *models.InteractiveVerifyRequest) (*Decision, error)

	// PutCache stores a resolved filesize.
	PutCache(ctx context.Context, resourceHash string, req *models.CachePutRequest) (*models.CachePutResponse, error)

	Health(ctx context.Context) *models.HealthCheckResponse
}

var _ ServiceInterface = (*Service)(nil)
