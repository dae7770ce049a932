package azure

import (
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
)

// auth methods reported in logs.
const (
	authSAS       = "sas"
	authSP        = "service_principal"
	authSharedKey = "shared_key"
	authDefault   = "default_credential"
)

// accountOf returns the storage account named by a wasb connection.
func accountOf(c connection.Connection) string {
	if a := c.ExtraString("account_name"); a != "" {
		return a
	}
	return c.Login
}

// endpointOf resolves the blob endpoint: connection host, then AZURE_BLOB_ENDPOINT,
// then the public cloud default for the account.
func endpointOf(c connection.Connection, account string) string {
	endpoint := strings.TrimSpace(c.Host)
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	if endpoint == "" {
		endpoint = os.Getenv("AZURE_BLOB_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return endpoint
}

// newClient builds a client from a wasb connection and reports the auth method used.
// Priority: 1) SAS  2) Service Principal  3) Shared key  4) DefaultAzureCredential.
func newClient(c connection.Connection) (*azblob.Client, string, error) {
	account := accountOf(c)
	endpoint := endpointOf(c, account)

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.ExtraString("sas_token")); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
		return cl, authSAS, err
	}

	// 2) Service Principal
	tenant, clientID, secret := c.ExtraString("tenant_id"), c.ExtraString("client_id"), c.ExtraString("client_secret")
	if tenant != "" && clientID != "" && secret != "" {
		cred, err := azidentity.NewClientSecretCredential(tenant, clientID, secret, nil)
		if err != nil {
			return nil, "", err
		}
		cl, err := azblob.NewClient(endpoint, cred, nil)
		return cl, authSP, err
	}

	// 3) Shared key
	if account != "" && c.Password != "" {
		cred, err := azblob.NewSharedKeyCredential(account, c.Password)
		if err != nil {
			return nil, "", err
		}
		cl, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		return cl, authSharedKey, err
	}

	if account == "" && os.Getenv("AZURE_BLOB_ENDPOINT") == "" && c.Host == "" {
		return nil, "", fmt.Errorf("azure: no storage account (set login or extra account_name)")
	}

	// 4) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, "", err
	}
	cl, err := azblob.NewClient(endpoint, defCred, nil)
	return cl, authDefault, err
}
