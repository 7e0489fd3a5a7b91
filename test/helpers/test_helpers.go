package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/pkg/pg"
	"github.com/pulsemail/campaign-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.CampaignEntity{},
		&repository.ContactGroupEntity{},
		&repository.ContactEntity{},
		&repository.CredentialEntity{},
		&repository.DeliveryRecordEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Unique connection name per test to avoid global adapter caching issues
	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestGroup(t *testing.T, db *pg.DB, name string) *repository.ContactGroupEntity {
	ctx := context.Background()
	group := &repository.ContactGroupEntity{
		Name:      name,
		CreatedAt: time.Now(),
	}
	err := db.Write(ctx).Create(group).Error
	require.NoError(t, err)
	return group
}

func CreateTestContact(t *testing.T, db *pg.DB, groupID int64, email string, attrs map[string]string) *repository.ContactEntity {
	ctx := context.Background()
	encoded := ""
	if len(attrs) > 0 {
		b, err := json.Marshal(attrs)
		require.NoError(t, err)
		encoded = string(b)
	}
	contact := &repository.ContactEntity{
		GroupID:    groupID,
		Email:      email,
		Attributes: encoded,
		CreatedAt:  time.Now(),
	}
	err := db.Write(ctx).Create(contact).Error
	require.NoError(t, err)
	return contact
}

func CreateTestContacts(t *testing.T, db *pg.DB, groupID int64, n int) []*repository.ContactEntity {
	contacts := make([]*repository.ContactEntity, 0, n)
	for i := 0; i < n; i++ {
		email := fmt.Sprintf("contact%d@example.test", i+1)
		attrs := map[string]string{"first_name": fmt.Sprintf("Contact%d", i+1)}
		contacts = append(contacts, CreateTestContact(t, db, groupID, email, attrs))
	}
	return contacts
}

func CreateTestCredential(t *testing.T, db *pg.DB, userID int64, active bool) *repository.CredentialEntity {
	ctx := context.Background()
	cred := &repository.CredentialEntity{
		UserID:    userID,
		APIKey:    RandomAPIKey(),
		Active:    active,
		CreatedAt: time.Now(),
	}
	err := db.Write(ctx).Create(cred).Error
	require.NoError(t, err)
	return cred
}

func CreateTestCampaign(t *testing.T, db *pg.DB, groupID, credentialID int64, status string) *repository.CampaignEntity {
	ctx := context.Background()
	campaign := &repository.CampaignEntity{
		Name:         "Test Campaign",
		Subject:      "Hello {{first_name}}",
		SenderName:   "Acme",
		SenderEmail:  "news@acme.test",
		BodyHTML:     "<p>Hi {{first_name}}</p>",
		GroupID:      groupID,
		CredentialID: credentialID,
		Status:       status,
		CreatedAt:    time.Now(),
	}
	err := db.Write(ctx).Create(campaign).Error
	require.NoError(t, err)
	return campaign
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func RandomAPIKey() string {
	return "test-api-key-" + time.Now().Format("20060102150405.000000000")
}

func Ptr[T any](v T) *T {
	return &v
}
