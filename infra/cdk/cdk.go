package main

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	awscloudwatch "github.com/aws/aws-cdk-go/awscdk/v2/awscloudwatch"
	awsdynamodb "github.com/aws/aws-cdk-go/awscdk/v2/awsdynamodb"
	awsec2 "github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	awsecs "github.com/aws/aws-cdk-go/awscdk/v2/awsecs"
	awsecspatterns "github.com/aws/aws-cdk-go/awscdk/v2/awsecspatterns"
	elbv2 "github.com/aws/aws-cdk-go/awscdk/v2/awselasticloadbalancingv2"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

const (
	resourceNameTable          = "CameraStatusTable"
	resourceNameVpc            = "RelayVpc"
	resourceNameCluster        = "RelayCluster"
	resourceNameService        = "RelayService"
	resourceNameOutputEndpoint = "RelayEndpoint"

	relayImagePath   = "../.."
	containerPort    = 8080
	healthCheckPath  = "/healthz"
	albIdleTimeout   = "120"
	envVarPort       = "PORT"
	envVarTable      = "RELAY_STATUS_TABLE"
	envVarLogLevel   = "RELAY_LOG_LEVEL"
	defaultLogLevel  = "info"
	taskCPU          = 256
	taskMemoryMiB    = 512
	relayDesiredTask = 1
)

// NewFrameRelayStack provisions the status journal table and one relay task behind an
// application load balancer. The relay keeps its slot table in process, so the service
// runs exactly one task.
func NewFrameRelayStack(scope constructs.Construct, id string, props *awscdk.StackProps) awscdk.Stack {
	stack := awscdk.NewStack(scope, &id, props)

	table := createStatusTable(stack)
	cluster := createCluster(stack)
	service := createRelayService(stack, cluster, table)
	createCloudWatchAlarms(stack, service, table)

	createOutputs(stack, service)

	return stack
}

func createStatusTable(stack awscdk.Stack) awsdynamodb.Table {
	return awsdynamodb.NewTable(stack, jsii.String(resourceNameTable), &awsdynamodb.TableProps{
		PartitionKey: &awsdynamodb.Attribute{
			Name: jsii.String("pk"),
			Type: awsdynamodb.AttributeType_STRING,
		},
		BillingMode:   awsdynamodb.BillingMode_PAY_PER_REQUEST,
		RemovalPolicy: awscdk.RemovalPolicy_DESTROY,
	})
}

func createCluster(stack awscdk.Stack) awsecs.Cluster {
	vpc := awsec2.NewVpc(stack, jsii.String(resourceNameVpc), &awsec2.VpcProps{
		MaxAzs: jsii.Number(2),
	})
	return awsecs.NewCluster(stack, jsii.String(resourceNameCluster), &awsecs.ClusterProps{
		Vpc: vpc,
	})
}

func createRelayService(stack awscdk.Stack, cluster awsecs.Cluster, table awsdynamodb.Table) awsecspatterns.ApplicationLoadBalancedFargateService {
	service := awsecspatterns.NewApplicationLoadBalancedFargateService(stack, jsii.String(resourceNameService), &awsecspatterns.ApplicationLoadBalancedFargateServiceProps{
		Cluster:            cluster,
		Cpu:                jsii.Number(taskCPU),
		MemoryLimitMiB:     jsii.Number(taskMemoryMiB),
		DesiredCount:       jsii.Number(relayDesiredTask),
		PublicLoadBalancer: jsii.Bool(true),
		TaskImageOptions: &awsecspatterns.ApplicationLoadBalancedTaskImageOptions{
			Image:         awsecs.ContainerImage_FromAsset(jsii.String(relayImagePath), nil),
			ContainerPort: jsii.Number(containerPort),
			Environment: &map[string]*string{
				envVarPort:     jsii.String("8080"),
				envVarTable:    table.TableName(),
				envVarLogLevel: jsii.String(defaultLogLevel),
			},
		},
	})

	service.TargetGroup().ConfigureHealthCheck(&elbv2.HealthCheck{
		Path: jsii.String(healthCheckPath),
	})
	// Producers may pause between frames; keep idle websockets open past the relay timeout.
	service.LoadBalancer().SetAttribute(jsii.String("idle_timeout.timeout_seconds"), jsii.String(albIdleTimeout))

	table.GrantReadWriteData(service.TaskDefinition().TaskRole())

	return service
}

func createCloudWatchAlarms(stack awscdk.Stack, service awsecspatterns.ApplicationLoadBalancedFargateService, table awsdynamodb.Table) {
	dynamoWriteUnits := table.MetricConsumedWriteCapacityUnits(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(1)),
		Statistic: jsii.String("Sum"),
	})
	awscloudwatch.NewAlarm(stack, jsii.String("HighDynamoWriteUnits"), &awscloudwatch.AlarmProps{
		Metric:            dynamoWriteUnits,
		Threshold:         jsii.Number(500),
		EvaluationPeriods: jsii.Number(1),
		AlarmDescription:  jsii.String("Alert when status journal writes exceed 500 units per minute (producer flapping)"),
	})

	memory := service.Service().MetricMemoryUtilization(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(1)),
		Statistic: jsii.String("Maximum"),
	})
	awscloudwatch.NewAlarm(stack, jsii.String("HighRelayMemory"), &awscloudwatch.AlarmProps{
		Metric:            memory,
		Threshold:         jsii.Number(85),
		EvaluationPeriods: jsii.Number(3),
		AlarmDescription:  jsii.String("Alert when relay task memory stays above 85%"),
	})

	cpu := service.Service().MetricCpuUtilization(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(5)),
		Statistic: jsii.String("Average"),
	})
	awscloudwatch.NewAlarm(stack, jsii.String("HighRelayCPU"), &awscloudwatch.AlarmProps{
		Metric:            cpu,
		Threshold:         jsii.Number(80),
		EvaluationPeriods: jsii.Number(2),
		AlarmDescription:  jsii.String("Alert when the relay pump saturates its CPU share"),
	})
}

func createOutputs(stack awscdk.Stack, service awsecspatterns.ApplicationLoadBalancedFargateService) {
	awscdk.NewCfnOutput(stack, jsii.String(resourceNameOutputEndpoint), &awscdk.CfnOutputProps{
		Value:       service.LoadBalancer().LoadBalancerDnsName(),
		Description: jsii.String("Relay load balancer DNS name"),
	})
}

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)
	NewFrameRelayStack(app, "FrameRelayStack", &awscdk.StackProps{})
	app.Synth(nil)
}
