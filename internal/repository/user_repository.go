package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	userPKPrefix   = "USER!"
	userIDPKPrefix = "USERID!"
)

// DynamoAPI is the subset of *dynamodb.Client used by UserRepository.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type UserRepository struct {
	client    DynamoAPI
	tableName string
	logger    *logrus.Logger
	now       func() time.Time
}

func NewUserRepository(client DynamoAPI, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *UserRepository) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*models.User, error) {
	user := &models.User{PhoneNumber: phoneNumber}
	return r.get(ctx, user.GetPK(), user.GetSK())
}

// GetByID resolves a user through the id index item written by Create.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, nil
	}
	return r.get(ctx, userIDPKPrefix+id, "METADATA")
}

func (r *UserRepository) get(ctx context.Context, pk, sk string) (*models.User, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var dbUser models.User
	if err := attributevalue.UnmarshalMap(result.Item, &dbUser); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	if dbUser.PhoneNumber == "" {
		if pk, ok := result.Item["PK"].(*types.AttributeValueMemberS); ok && strings.HasPrefix(pk.Value, userPKPrefix) {
			dbUser.PhoneNumber = strings.TrimPrefix(pk.Value, userPKPrefix)
		}
	}

	return &dbUser, nil
}

// Create stores a new user keyed by phone together with an index item keyed
// by id, in one transaction. It fails with ErrUserExists when the phone is
// already registered.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := r.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	byPhone := withKey(item, user.GetPK(), user.GetSK())
	byID := withKey(item, userIDPKPrefix+user.ID, "METADATA")

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                byPhone,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                byID,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && conditionFailed(canceled) {
			return ErrUserExists
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func withKey(item map[string]types.AttributeValue, pk, sk string) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item)+2)
	for k, v := range item {
		out[k] = v
	}
	out["PK"] = &types.AttributeValueMemberS{Value: pk}
	out["SK"] = &types.AttributeValueMemberS{Value: sk}
	return out
}

func conditionFailed(err *types.TransactionCanceledException) bool {
	for _, reason := range err.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

var ErrUserExists = errors.New("user already exists")

// FindOrCreateUser returns the user registered for phoneNumber, creating one
// with the default role on first login. Concurrent first logins converge on
// whichever transaction won the conditional write.
func (r *UserRepository) FindOrCreateUser(ctx context.Context, phoneNumber string) (*models.User, error) {
	user, err := r.GetByPhoneNumber(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	newUser := &models.User{
		ID:          uuid.New().String(),
		PhoneNumber: phoneNumber,
		Roles:       []string{models.DefaultRole},
	}

	err = r.Create(ctx, newUser)
	if errors.Is(err, ErrUserExists) {
		existing, err := r.GetByPhoneNumber(ctx, phoneNumber)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("user vanished after conflicting create")
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	r.logger.WithField("user_id", newUser.ID).Info("Created user")
	return newUser, nil
}
