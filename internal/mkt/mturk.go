package mkt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/mturk"
	"github.com/aws/aws-sdk-go-v2/service/mturk/types"
)

const (
	mturkLiveEndpoint    = "https://mturk-requester.us-east-1.amazonaws.com"
	mturkSandboxEndpoint = "https://mturk-requester-sandbox.us-east-1.amazonaws.com"

	mturkLiveWorkerURL    = "https://worker.mturk.com/mturk/preview?groupId="
	mturkSandboxWorkerURL = "https://workersandbox.mturk.com/mturk/preview?groupId="
)

// MTurkService adapts the Amazon Mechanical Turk requester API.
type MTurkService struct {
	client  *mturk.Client
	sandbox bool
}

// NewMTurkService builds an MTurk client from the ambient AWS credential
// chain. Sandbox mode talks to the requester sandbox endpoint.
func NewMTurkService(ctx context.Context, region string, sandbox bool) (*MTurkService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := mturkLiveEndpoint
	if sandbox {
		endpoint = mturkSandboxEndpoint
	}
	client := mturk.NewFromConfig(cfg, func(o *mturk.Options) {
		o.BaseEndpoint = &endpoint
	})
	return &MTurkService{client: client, sandbox: sandbox}, nil
}

// CheckCredentials verifies the account is reachable before publishing
// anything.
func (s *MTurkService) CheckCredentials(ctx context.Context) error {
	if _, err := s.client.GetAccountBalance(ctx, &mturk.GetAccountBalanceInput{}); err != nil {
		return fmt.Errorf("mturk credentials check: %w", err)
	}
	return nil
}

func (s *MTurkService) CreateBatch(ctx context.Context, spec BatchSpec) (BatchInfo, error) {
	reward := strconv.FormatFloat(spec.Reward, 'f', 2, 64)
	keywords := strings.Join(spec.Keywords, ", ")
	question := externalQuestion(spec.ExternalURL)
	duration := int64(spec.Duration.Seconds())
	lifetime := int64(spec.Lifetime.Seconds())
	maxAssignments := int32(spec.MaxAssignments)

	out, err := s.client.CreateHIT(ctx, &mturk.CreateHITInput{
		Title:                       &spec.Title,
		Description:                 &spec.Description,
		Keywords:                    &keywords,
		Reward:                      &reward,
		MaxAssignments:              &maxAssignments,
		AssignmentDurationInSeconds: &duration,
		LifetimeInSeconds:           &lifetime,
		Question:                    &question,
		RequesterAnnotation:         &spec.ExperimentID,
	})
	if err != nil {
		return BatchInfo{}, fmt.Errorf("create hit: %w", err)
	}
	hit := out.HIT
	info := BatchInfo{ID: deref(hit.HITId), WorkerURL: s.workerURL(deref(hit.HITGroupId))}
	if hit.Expiration != nil {
		info.Expiration = *hit.Expiration
	}
	return info, nil
}

func (s *MTurkService) ExtendBatch(ctx context.Context, id string, n int, duration time.Duration) (BatchInfo, error) {
	additional := int32(n)
	if _, err := s.client.CreateAdditionalAssignmentsForHIT(ctx, &mturk.CreateAdditionalAssignmentsForHITInput{
		HITId:                         &id,
		NumberOfAdditionalAssignments: &additional,
	}); err != nil {
		return BatchInfo{}, fmt.Errorf("extend hit assignments: %w", err)
	}
	info := BatchInfo{ID: id}
	if duration > 0 {
		expiry := time.Now().Add(duration).UTC()
		if _, err := s.client.UpdateExpirationForHIT(ctx, &mturk.UpdateExpirationForHITInput{
			HITId:    &id,
			ExpireAt: &expiry,
		}); err != nil {
			return BatchInfo{}, fmt.Errorf("extend hit expiration: %w", err)
		}
		info.Expiration = expiry
	}
	return info, nil
}

func (s *MTurkService) ExpireBatch(ctx context.Context, id string) error {
	// Setting the expiration to the past expires the HIT immediately.
	past := time.Now().Add(-time.Minute).UTC()
	if _, err := s.client.UpdateExpirationForHIT(ctx, &mturk.UpdateExpirationForHITInput{
		HITId:    &id,
		ExpireAt: &past,
	}); err != nil {
		return fmt.Errorf("expire hit: %w", err)
	}
	return nil
}

func (s *MTurkService) AssignmentStatus(ctx context.Context, assignmentID string) (string, error) {
	out, err := s.client.GetAssignment(ctx, &mturk.GetAssignmentInput{AssignmentId: &assignmentID})
	if err != nil {
		return AssignmentUnknown, fmt.Errorf("get assignment: %w", err)
	}
	if out.Assignment == nil {
		return AssignmentUnknown, nil
	}
	switch out.Assignment.AssignmentStatus {
	case types.AssignmentStatusApproved:
		return AssignmentApproved, nil
	case types.AssignmentStatusRejected:
		return AssignmentRejected, nil
	case types.AssignmentStatusSubmitted:
		return AssignmentSubmitted, nil
	}
	return AssignmentUnknown, nil
}

func (s *MTurkService) Approve(ctx context.Context, assignmentID string) error {
	feedback := "Thank you!"
	if _, err := s.client.ApproveAssignment(ctx, &mturk.ApproveAssignmentInput{
		AssignmentId:      &assignmentID,
		RequesterFeedback: &feedback,
	}); err != nil {
		return fmt.Errorf("approve assignment: %w", err)
	}
	return nil
}

func (s *MTurkService) PayBonus(ctx context.Context, assignmentID, workerID string, amount float64, reason string) error {
	bonus := strconv.FormatFloat(amount, 'f', 2, 64)
	if _, err := s.client.SendBonus(ctx, &mturk.SendBonusInput{
		AssignmentId: &assignmentID,
		WorkerId:     &workerID,
		BonusAmount:  &bonus,
		Reason:       &reason,
	}); err != nil {
		return fmt.Errorf("send bonus: %w", err)
	}
	return nil
}

func (s *MTurkService) CreateQualification(ctx context.Context, name, description string) (string, error) {
	out, err := s.client.CreateQualificationType(ctx, &mturk.CreateQualificationTypeInput{
		Name:                    &name,
		Description:             &description,
		QualificationTypeStatus: types.QualificationTypeStatusActive,
	})
	if err != nil {
		// The API reports name collisions only through the error message.
		if strings.Contains(err.Error(), "QualificationType with this name") {
			return "", ErrDuplicateQualificationName
		}
		return "", fmt.Errorf("create qualification type: %w", err)
	}
	return deref(out.QualificationType.QualificationTypeId), nil
}

func (s *MTurkService) QualificationByName(ctx context.Context, name string) (string, error) {
	mustBeRequestable := false
	mustBeOwned := true
	out, err := s.client.ListQualificationTypes(ctx, &mturk.ListQualificationTypesInput{
		Query:               &name,
		MustBeRequestable:   &mustBeRequestable,
		MustBeOwnedByCaller: &mustBeOwned,
	})
	if err != nil {
		return "", fmt.Errorf("list qualification types: %w", err)
	}
	// Query is a search, not an exact match; filter on the exact name.
	for _, qt := range out.QualificationTypes {
		if deref(qt.Name) == name {
			return deref(qt.QualificationTypeId), nil
		}
	}
	return "", ErrQualificationNotFound
}

func (s *MTurkService) AssignQualification(ctx context.Context, qualificationID, workerID string, score int) error {
	value := int32(score)
	notify := false
	if _, err := s.client.AssociateQualificationWithWorker(ctx, &mturk.AssociateQualificationWithWorkerInput{
		QualificationTypeId: &qualificationID,
		WorkerId:            &workerID,
		IntegerValue:        &value,
		SendNotification:    &notify,
	}); err != nil {
		return fmt.Errorf("assign qualification: %w", err)
	}
	return nil
}

func (s *MTurkService) CurrentScore(ctx context.Context, qualificationID, workerID string) (int, error) {
	out, err := s.client.GetQualificationScore(ctx, &mturk.GetQualificationScoreInput{
		QualificationTypeId: &qualificationID,
		WorkerId:            &workerID,
	})
	if err != nil {
		return 0, fmt.Errorf("get qualification score: %w", err)
	}
	if out.Qualification == nil || out.Qualification.IntegerValue == nil {
		return 0, nil
	}
	return int(*out.Qualification.IntegerValue), nil
}

func (s *MTurkService) workerURL(groupID string) string {
	if s.sandbox {
		return mturkSandboxWorkerURL + groupID
	}
	return mturkLiveWorkerURL + groupID
}

func externalQuestion(url string) string {
	return fmt.Sprintf(`<ExternalQuestion xmlns="http://mechanicalturk.amazonaws.com/AWSMechanicalTurkDataSchemas/2006-07-14/ExternalQuestion.xsd">
  <ExternalURL>%s</ExternalURL>
  <FrameHeight>600</FrameHeight>
</ExternalQuestion>`, url)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
