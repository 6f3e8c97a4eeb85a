package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	httpadapter "github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/luminbank/consent-engine/cmd/runutil"
	"github.com/luminbank/consent-engine/internal/api"
	"github.com/luminbank/consent-engine/internal/consent"
	"github.com/luminbank/consent-engine/internal/revocation"
	"github.com/luminbank/consent-engine/swaggers"
)

var (
	Env                              = runutil.EnvValue("ENV", runutil.AWSEnvironment)
	Host                             = runutil.EnvValue("HOST", "https://consent.luminbank.local")
	DBSecretName                     = runutil.EnvValue("DB_SECRET_NAME", "consentengine/db-credentials")
	RevocationEndpoint               = runutil.EnvValue("REVOCATION_ENDPOINT", "https://auth.luminbank.local/token/revoke")
	RevocationClientID               = runutil.EnvValue("REVOCATION_CLIENT_ID", "consent-engine")
	RevocationSigningKeySSMParamName = runutil.EnvValue("REVOCATION_SIGNING_KEY_SSM_PARAM", "/consentengine/revocation-signing-key")
	TransportCertSSMParamName        = runutil.EnvValue("TRANSPORT_CERT_SSM_PARAM", "/consentengine/transport-cert")
	TransportKeySSMParamName         = runutil.EnvValue("TRANSPORT_KEY_SSM_PARAM", "/consentengine/transport-key")
)

var handler http.Handler

func init() {
	ctx := context.Background()

	slog.SetDefault(runutil.Logger())
	slog.Info("setting up consent engine lambda", "env", Env)

	awsConfig, err := runutil.AWSConfig(ctx, Env)
	if err != nil {
		log.Fatalf("failed to load aws config: %v", err)
	}

	secretsClient := secretsmanager.NewFromConfig(*awsConfig)
	db, err := runutil.DB(ctx, secretsClient, DBSecretName)
	if err != nil {
		log.Fatalf("failed connecting to database: %v", err)
	}

	ssmClient := ssm.NewFromConfig(*awsConfig)
	revocationSigner, err := runutil.SignerFromSSM(ctx, ssmClient, RevocationSigningKeySSMParamName)
	if err != nil {
		log.Fatalf("could not load revocation signing key: %v", err)
	}

	transportTLSCert, err := runutil.TLSCertFromSSM(ctx, ssmClient, TransportCertSSMParamName, TransportKeySSMParamName)
	if err != nil {
		log.Fatalf("could not load transport TLS certificate: %v", err)
	}

	revocationService := revocation.NewService(
		RevocationEndpoint,
		RevocationClientID,
		revocationSigner,
		runutil.MTLSHTTPClient(transportTLSCert, Env),
	)
	consentService := consent.NewService(db, revocationService)

	mux := http.NewServeMux()
	consent.NewServer(Host, consentService).Register(mux)

	handler = api.SwaggerMiddleware(swaggers.Consents, "INVALID_REQUEST")(mux)
}

func main() {
	lambda.Start(httpadapter.New(handler).ProxyWithContext)
}
