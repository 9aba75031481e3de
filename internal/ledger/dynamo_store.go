package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/piggypay/piggypay/internal/money"
)

const (
	skProfile   = "PROFILE"
	skTxnPrefix = "TXN#"
	phoneIndex  = "phone-index"
)

// DynamoConfig holds the configuration for the DynamoDB-backed store.
type DynamoConfig struct {
	Region    string
	TableName string
	Endpoint  string // optional, for local DynamoDB
}

// DynamoStore implements Store on a single DynamoDB table.
//
// Layout: account profiles live at (pk="ACCT#<uid>", sk="PROFILE") with the
// balance kept as an integer number of cents so UpdateItem ADD gives the
// atomic field increment the engine relies on. Log records live under the
// same partition at sk="TXN#<id>". A GSI on the phone attribute serves the
// alias lookup for transfers.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoStore creates a DynamoDB-backed ledger store.
func NewDynamoStore(ctx context.Context, cfg DynamoConfig) (*DynamoStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &DynamoStore{
		client:    dynamodb.NewFromConfig(awsCfg, opts...),
		tableName: cfg.TableName,
	}, nil
}

type dynamoAccount struct {
	PK               string    `dynamodbav:"pk"`
	SK               string    `dynamodbav:"sk"`
	UID              string    `dynamodbav:"uid"`
	Name             string    `dynamodbav:"name"`
	Phone            string    `dynamodbav:"phone"`
	Email            string    `dynamodbav:"email"`
	IBAN             string    `dynamodbav:"iban"`
	StripeCustomerID string    `dynamodbav:"stripeCustomerId"`
	BalanceCents     int64     `dynamodbav:"balanceCents"`
	HasFraudAlert    bool      `dynamodbav:"hasFraudAlert"`
	CreatedAt        time.Time `dynamodbav:"createdAt"`
	UpdatedAt        time.Time `dynamodbav:"updatedAt"`
}

type dynamoRecord struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	*Record
}

func acctPK(uid string) string { return "ACCT#" + uid }

func (d *DynamoStore) CreateAccount(ctx context.Context, acct *Account) error {
	balance := acct.Balance
	if balance == "" {
		balance = "0.00"
	}
	cents, ok := money.Parse(balance)
	if !ok {
		return ErrInvalidAmount
	}
	now := time.Now()
	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	item, err := attributevalue.MarshalMap(dynamoAccount{
		PK:               acctPK(acct.UID),
		SK:               skProfile,
		UID:              acct.UID,
		Name:             acct.Name,
		Phone:            acct.Phone,
		Email:            acct.Email,
		IBAN:             acct.IBAN,
		StripeCustomerID: acct.StripeCustomerID,
		BalanceCents:     cents.Int64(),
		HasFraudAlert:    acct.HasFraudAlert,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if isConditionFailure(err) {
		return ErrDuplicateAccount
	}
	if err != nil {
		return fmt.Errorf("PutItem operation failed: %w", err)
	}
	return nil
}

func (d *DynamoStore) GetAccount(ctx context.Context, uid string) (*Account, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: acctPK(uid)},
			"sk": &types.AttributeValueMemberS{Value: skProfile},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem operation failed: %w", err)
	}
	if result.Item == nil {
		return nil, ErrAccountNotFound
	}
	return unmarshalAccount(result.Item)
}

func (d *DynamoStore) GetAccountByPhone(ctx context.Context, phone string) (*Account, error) {
	result, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String(phoneIndex),
		KeyConditionExpression: aws.String("phone = :phone"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":phone": &types.AttributeValueMemberS{Value: phone},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("Query operation failed: %w", err)
	}
	if len(result.Items) == 0 {
		return nil, ErrAccountNotFound
	}
	return unmarshalAccount(result.Items[0])
}

func (d *DynamoStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:        aws.String(d.tableName),
		FilterExpression: aws.String("sk = :profile"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":profile": &types.AttributeValueMemberS{Value: skProfile},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("Scan operation failed: %w", err)
		}
		for _, item := range page.Items {
			acct, err := unmarshalAccount(item)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, acct)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].UID < accounts[j].UID })
	return accounts, nil
}

func (d *DynamoStore) UpdateAccount(ctx context.Context, uid string, upd AccountUpdate) error {
	expr := "SET updatedAt = :now"
	values := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339Nano)},
	}
	set := func(attr, placeholder string, v *string) {
		if v != nil {
			expr += ", " + attr + " = " + placeholder
			values[placeholder] = &types.AttributeValueMemberS{Value: *v}
		}
	}
	set("#n", ":name", upd.Name)
	set("email", ":email", upd.Email)
	set("iban", ":iban", upd.IBAN)
	set("stripeCustomerId", ":stripe", upd.StripeCustomerID)

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: acctPK(uid)},
			"sk": &types.AttributeValueMemberS{Value: skProfile},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(pk)"),
	}
	if upd.Name != nil {
		// "name" is a DynamoDB reserved word.
		input.ExpressionAttributeNames = map[string]string{"#n": "name"}
	}

	_, err := d.client.UpdateItem(ctx, input)
	if isConditionFailure(err) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("UpdateItem operation failed: %w", err)
	}
	return nil
}

func (d *DynamoStore) IncrementBalance(ctx context.Context, uid, delta string) error {
	cents, ok := money.Parse(delta)
	if !ok {
		return ErrInvalidAmount
	}
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: acctPK(uid)},
			"sk": &types.AttributeValueMemberS{Value: skProfile},
		},
		UpdateExpression:    aws.String("ADD balanceCents :d SET updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d":   &types.AttributeValueMemberN{Value: cents.String()},
			":now": &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339Nano)},
		},
	})
	if isConditionFailure(err) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("UpdateItem operation failed: %w", err)
	}
	return nil
}

func (d *DynamoStore) SetFraudAlert(ctx context.Context, uid string, flagged bool) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: acctPK(uid)},
			"sk": &types.AttributeValueMemberS{Value: skProfile},
		},
		UpdateExpression:    aws.String("SET hasFraudAlert = :f, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f":   &types.AttributeValueMemberBOOL{Value: flagged},
			":now": &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339Nano)},
		},
	})
	if isConditionFailure(err) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("UpdateItem operation failed: %w", err)
	}
	return nil
}

func (d *DynamoStore) AppendRecord(ctx context.Context, uid string, rec *Record) error {
	cp := *rec
	cp.AccountUID = uid
	item, err := attributevalue.MarshalMap(dynamoRecord{
		PK:     acctPK(uid),
		SK:     skTxnPrefix + rec.ID,
		Record: &cp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem operation failed: %w", err)
	}
	return nil
}

func (d *DynamoStore) ListRecords(ctx context.Context, uid string) ([]*Record, error) {
	records, err := d.queryRecords(ctx, uid, "")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	return records, nil
}

func (d *DynamoStore) RecentRecords(ctx context.Context, uid string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := d.queryRecords(ctx, uid, "")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (d *DynamoStore) PendingRecords(ctx context.Context, uid string) ([]*Record, error) {
	records, err := d.queryRecords(ctx, uid, "verified = :false")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	return records, nil
}

// ResolveRecord verifies a held record and applies its balance delta in one
// TransactWriteItems call so the two writes commit or fail together.
func (d *DynamoStore) ResolveRecord(ctx context.Context, uid, recordID, delta string, at time.Time) error {
	cents, ok := money.Parse(delta)
	if !ok {
		return ErrInvalidAmount
	}

	items := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName: aws.String(d.tableName),
				Key: map[string]types.AttributeValue{
					"pk": &types.AttributeValueMemberS{Value: acctPK(uid)},
					"sk": &types.AttributeValueMemberS{Value: skTxnPrefix + recordID},
				},
				UpdateExpression:         aws.String("SET verified = :true, fraud = :false, #label = :legit, resolvedAt = :at"),
				ConditionExpression:      aws.String("attribute_exists(pk) AND verified = :false"),
				ExpressionAttributeNames: map[string]string{"#label": "label"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":true":  &types.AttributeValueMemberBOOL{Value: true},
					":false": &types.AttributeValueMemberBOOL{Value: false},
					":legit": &types.AttributeValueMemberS{Value: string(LabelLegit)},
					":at":    &types.AttributeValueMemberS{Value: at.Format(time.RFC3339Nano)},
				},
			},
		},
		{
			Update: &types.Update{
				TableName: aws.String(d.tableName),
				Key: map[string]types.AttributeValue{
					"pk": &types.AttributeValueMemberS{Value: acctPK(uid)},
					"sk": &types.AttributeValueMemberS{Value: skProfile},
				},
				UpdateExpression:    aws.String("ADD balanceCents :d SET updatedAt = :now"),
				ConditionExpression: aws.String("attribute_exists(pk)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":d":   &types.AttributeValueMemberN{Value: cents.String()},
					":now": &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339Nano)},
				},
			},
		},
	}

	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return ErrAlreadyResolved
				}
			}
		}
		return fmt.Errorf("TransactWriteItems operation failed: %w", err)
	}
	return nil
}

func (d *DynamoStore) queryRecords(ctx context.Context, uid, filter string) ([]*Record, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :txn)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: acctPK(uid)},
			":txn": &types.AttributeValueMemberS{Value: skTxnPrefix},
		},
	}
	if filter != "" {
		input.FilterExpression = aws.String(filter)
		input.ExpressionAttributeValues[":false"] = &types.AttributeValueMemberBOOL{Value: false}
	}

	var records []*Record
	paginator := dynamodb.NewQueryPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("Query operation failed: %w", err)
		}
		for _, item := range page.Items {
			var rec Record
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record: %w", err)
			}
			records = append(records, &rec)
		}
	}
	return records, nil
}

func unmarshalAccount(item map[string]types.AttributeValue) (*Account, error) {
	var da dynamoAccount
	if err := attributevalue.UnmarshalMap(item, &da); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &Account{
		UID:              da.UID,
		Name:             da.Name,
		Phone:            da.Phone,
		Email:            da.Email,
		IBAN:             da.IBAN,
		StripeCustomerID: da.StripeCustomerID,
		Balance:          centsToDecimal(da.BalanceCents),
		HasFraudAlert:    da.HasFraudAlert,
		CreatedAt:        da.CreatedAt,
		UpdatedAt:        da.UpdatedAt,
	}, nil
}

func centsToDecimal(cents int64) string {
	return money.Format(big.NewInt(cents))
}

func isConditionFailure(err error) bool {
	var cond *types.ConditionalCheckFailedException
	return errors.As(err, &cond)
}
