// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package attestation

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	// ServiceName 证明预言机的 gRPC 服务全名
	ServiceName = "attestation_container.AttestationContainer"
	// FetchAttestationMethod FetchAttestation 的完整方法路径
	FetchAttestationMethod = "/" + ServiceName + "/FetchAttestation"
)

// 运行时构造的消息描述符，与预言机的 attestation_container.proto 字段编号一致
var (
	requestDesc protoreflect.MessageDescriptor
	replyDesc   protoreflect.MessageDescriptor
)

func init() {
	bytesField := func(name string, num int32) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(name),
			JsonName: proto.String(name),
			Number:   proto.Int32(num),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     descriptorpb.FieldDescriptorProto_TYPE_BYTES.Enum(),
		}
	}
	fd := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("attestation_container.proto"),
		Package: proto.String("attestation_container"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name:  proto.String("FetchAttestationRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{bytesField("report_data", 1)},
			},
			{
				Name: proto.String("FetchAttestationReply"),
				Field: []*descriptorpb.FieldDescriptorProto{
					bytesField("attestation", 1),
					bytesField("platform_certificates", 2),
					bytesField("uvm_endorsements", 3),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("AttestationContainer"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String("FetchAttestation"),
				InputType:  proto.String(".attestation_container.FetchAttestationRequest"),
				OutputType: proto.String(".attestation_container.FetchAttestationReply"),
			}},
		}},
	}
	file, err := protodesc.NewFile(fd, new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("attestation: build descriptors: %v", err))
	}
	requestDesc = file.Messages().ByName("FetchAttestationRequest")
	replyDesc = file.Messages().ByName("FetchAttestationReply")
}

// NewRequest 构造 FetchAttestationRequest
func NewRequest(reportData []byte) *dynamicpb.Message {
	msg := dynamicpb.NewMessage(requestDesc)
	msg.Set(requestDesc.Fields().ByName("report_data"), protoreflect.ValueOfBytes(reportData))
	return msg
}

// NewEmptyRequest 供服务端解码请求
func NewEmptyRequest() *dynamicpb.Message {
	return dynamicpb.NewMessage(requestDesc)
}

// RequestReportData 读取请求中的 report_data
func RequestReportData(msg *dynamicpb.Message) []byte {
	return msg.Get(requestDesc.Fields().ByName("report_data")).Bytes()
}

// NewReply 构造 FetchAttestationReply
func NewReply(ev Evidence) *dynamicpb.Message {
	msg := dynamicpb.NewMessage(replyDesc)
	fields := replyDesc.Fields()
	msg.Set(fields.ByName("attestation"), protoreflect.ValueOfBytes(ev.Attestation))
	msg.Set(fields.ByName("platform_certificates"), protoreflect.ValueOfBytes(ev.PlatformCertificates))
	msg.Set(fields.ByName("uvm_endorsements"), protoreflect.ValueOfBytes(ev.UVMEndorsements))
	return msg
}

func newEmptyReply() *dynamicpb.Message {
	return dynamicpb.NewMessage(replyDesc)
}

func replyEvidence(msg *dynamicpb.Message) Evidence {
	fields := replyDesc.Fields()
	return Evidence{
		Attestation:          msg.Get(fields.ByName("attestation")).Bytes(),
		PlatformCertificates: msg.Get(fields.ByName("platform_certificates")).Bytes(),
		UVMEndorsements:      msg.Get(fields.ByName("uvm_endorsements")).Bytes(),
	}
}
