package workflow

import (
	"time"

	"github.com/aescanero/regorch/pkg/domain"
)

// Workflow-specific statuses.
const (
	StatusEmailVerificationPending domain.Status = "EMAIL_VERIFICATION_PENDING"
	StatusEmailVerified            domain.Status = "EMAIL_VERIFIED"
	StatusPaymentPending           domain.Status = "PAYMENT_PENDING"
	StatusApprovalPending          domain.Status = "APPROVAL_PENDING"
	StatusApproved                 domain.Status = "APPROVED"
	StatusValidated                domain.Status = "VALIDATED"
	StatusOrderStaged              domain.Status = "ORDER_STAGED"
	StatusInsuranceValidating      domain.Status = "INSURANCE_VALIDATING"
	StatusInsuranceValidated       domain.Status = "INSURANCE_VALIDATED"
)

// abandonable adds CANCELLED and EXPIRED exits to every listed state.
func abandonable(t map[domain.Status][]domain.Status, states ...domain.Status) map[domain.Status][]domain.Status {
	for _, s := range states {
		t[s] = append(t[s], domain.StatusCancelled, domain.StatusExpired)
	}
	return t
}

// Account registers a user account after email verification.
func Account() Definition {
	return Definition{
		Type:    domain.WorkflowAccount,
		Initial: domain.StatusInitiated,
		States: map[domain.Status]Class{
			domain.StatusInitiated:         ClassPending,
			StatusEmailVerificationPending: ClassPending,
			StatusEmailVerified:            ClassPending,
			domain.StatusDataStaged:        ClassPending,
			domain.StatusCommitting:        ClassPending,
			domain.StatusCompleted:         ClassSuccess,
			domain.StatusFailed:            ClassError,
			domain.StatusCancelled:         ClassError,
			domain.StatusExpired:           ClassError,
		},
		Transitions: abandonable(map[domain.Status][]domain.Status{
			domain.StatusInitiated:         {StatusEmailVerificationPending},
			StatusEmailVerificationPending: {StatusEmailVerified},
			StatusEmailVerified:            {domain.StatusDataStaged},
			domain.StatusDataStaged:        {domain.StatusCommitting},
			domain.StatusCommitting:        {domain.StatusCompleted, domain.StatusFailed},
			domain.StatusFailed:            {domain.StatusDataStaged},
		}, domain.StatusInitiated, StatusEmailVerificationPending, StatusEmailVerified, domain.StatusDataStaged),
		Requires: map[domain.Status][]string{
			StatusEmailVerificationPending: {"contact"},
			domain.StatusDataStaged:        {"contact", "profile"},
		},
		ReadyState:      domain.StatusDataStaged,
		CommittingState: domain.StatusCommitting,
		SuccessState:    domain.StatusCompleted,
		FailureState:    domain.StatusFailed,
		SystemOnly:      []domain.Status{domain.StatusExpired},
		TTL:             24 * time.Hour,
		Steps: []StepSpec{
			{
				Name:     "contact",
				Required: true,
				Advances: StatusEmailVerificationPending,
				Emits:    domain.EventVerificationRequested,
				Template: "email_verification",
			},
			{Name: "profile", Required: true, Advances: domain.StatusDataStaged},
			{Name: "preferences"},
		},
		Plan: []PlanStep{
			{EntityType: "contact", Required: true, Source: "contact", NaturalKey: "email"},
			{EntityType: "account", Required: true, Source: "profile", DependsOn: []string{"contact"}},
			{EntityType: "preferences", Source: "preferences", DependsOn: []string{"account"}},
		},
	}
}

// Membership enrolls a member: data, payment, then admin approval.
func Membership() Definition {
	return Definition{
		Type:    domain.WorkflowMembership,
		Initial: domain.StatusInitiated,
		States: map[domain.Status]Class{
			domain.StatusInitiated:  ClassPending,
			domain.StatusDataStaged: ClassPending,
			StatusPaymentPending:    ClassPending,
			StatusApprovalPending:   ClassPending,
			StatusApproved:          ClassPending,
			domain.StatusCommitting: ClassPending,
			domain.StatusCompleted:  ClassSuccess,
			domain.StatusFailed:     ClassError,
			domain.StatusRejected:   ClassError,
			domain.StatusCancelled:  ClassError,
			domain.StatusExpired:    ClassError,
		},
		Transitions: abandonable(map[domain.Status][]domain.Status{
			domain.StatusInitiated:  {domain.StatusDataStaged},
			domain.StatusDataStaged: {StatusPaymentPending},
			StatusPaymentPending:    {StatusApprovalPending},
			StatusApprovalPending:   {StatusApproved, domain.StatusRejected},
			StatusApproved:          {domain.StatusCommitting},
			domain.StatusCommitting: {domain.StatusCompleted, domain.StatusFailed},
			domain.StatusFailed:     {StatusApproved},
		}, domain.StatusInitiated, domain.StatusDataStaged, StatusPaymentPending, StatusApprovalPending, StatusApproved),
		Requires: map[domain.Status][]string{
			domain.StatusDataStaged: {"category", "employment", "practices"},
			StatusApprovalPending:   {"payment"},
			StatusApproved:          {"category", "employment", "practices", "payment"},
		},
		ReadyState:      StatusApproved,
		CommittingState: domain.StatusCommitting,
		SuccessState:    domain.StatusCompleted,
		FailureState:    domain.StatusFailed,
		SystemOnly:      []domain.Status{domain.StatusExpired},
		Elevated:        []domain.Status{StatusApproved, domain.StatusRejected},
		TTL:             72 * time.Hour,
		Steps: []StepSpec{
			{Name: "category", Required: true, Advances: domain.StatusDataStaged},
			{Name: "employment", Required: true, Advances: domain.StatusDataStaged},
			{Name: "practices", Required: true, Advances: domain.StatusDataStaged},
			{Name: "preferences"},
			{Name: "payment", Required: true, Advances: StatusApprovalPending, Template: "membership_payment_received"},
		},
		Plan: []PlanStep{
			{EntityType: "category", Required: true, Source: "category"},
			{EntityType: "employment", Required: true, Source: "employment", DependsOn: []string{"category"}},
			{EntityType: "practices", Required: true, Source: "practices", DependsOn: []string{"employment"}},
			{EntityType: "preferences", Source: "preferences", DependsOn: []string{"employment"}},
			{EntityType: "activation", Required: true, Source: "payment", DependsOn: []string{"category", "employment", "practices"}},
		},
	}
}

// Product publishes a catalog product once validated.
func Product() Definition {
	return Definition{
		Type:    domain.WorkflowProduct,
		Initial: domain.StatusInitiated,
		States: map[domain.Status]Class{
			domain.StatusInitiated:  ClassPending,
			domain.StatusDataStaged: ClassPending,
			StatusValidated:         ClassPending,
			domain.StatusCommitting: ClassPending,
			domain.StatusCompleted:  ClassSuccess,
			domain.StatusFailed:     ClassError,
			domain.StatusCancelled:  ClassError,
			domain.StatusExpired:    ClassError,
		},
		Transitions: abandonable(map[domain.Status][]domain.Status{
			domain.StatusInitiated:  {domain.StatusDataStaged},
			domain.StatusDataStaged: {StatusValidated},
			StatusValidated:         {domain.StatusCommitting, domain.StatusDataStaged},
			domain.StatusCommitting: {domain.StatusCompleted, domain.StatusFailed},
			domain.StatusFailed:     {StatusValidated},
		}, domain.StatusInitiated, domain.StatusDataStaged, StatusValidated),
		Requires: map[domain.Status][]string{
			domain.StatusDataStaged: {"product", "pricing"},
			StatusValidated:         {"product", "pricing"},
		},
		ReadyState:      StatusValidated,
		CommittingState: domain.StatusCommitting,
		SuccessState:    domain.StatusCompleted,
		FailureState:    domain.StatusFailed,
		SystemOnly:      []domain.Status{domain.StatusExpired},
		TTL:             24 * time.Hour,
		Steps: []StepSpec{
			{Name: "product", Required: true, Advances: domain.StatusDataStaged},
			{Name: "pricing", Required: true, Advances: domain.StatusDataStaged},
			{Name: "media"},
		},
		Plan: []PlanStep{
			{EntityType: "product", Required: true, Source: "product", NaturalKey: "sku"},
			{EntityType: "pricing", Required: true, Source: "pricing", DependsOn: []string{"product"}},
			{EntityType: "media", Source: "media", DependsOn: []string{"product"}},
			{EntityType: "publication", Required: true, Source: "product", DependsOn: []string{"product", "pricing"}},
		},
	}
}

// OrderInsurance issues insurance records for the items of an order.
func OrderInsurance() Definition {
	return Definition{
		Type:    domain.WorkflowOrderInsurance,
		Initial: domain.StatusInitiated,
		States: map[domain.Status]Class{
			domain.StatusInitiated:    ClassPending,
			StatusOrderStaged:         ClassPending,
			StatusInsuranceValidating: ClassPending,
			StatusInsuranceValidated:  ClassPending,
			domain.StatusCommitting:   ClassPending,
			domain.StatusCompleted:    ClassSuccess,
			domain.StatusFailed:       ClassError,
			domain.StatusRejected:     ClassError,
			domain.StatusCancelled:    ClassError,
			domain.StatusExpired:      ClassError,
		},
		Transitions: abandonable(map[domain.Status][]domain.Status{
			domain.StatusInitiated:    {StatusOrderStaged},
			StatusOrderStaged:         {StatusInsuranceValidating},
			StatusInsuranceValidating: {StatusInsuranceValidated, domain.StatusRejected},
			StatusInsuranceValidated:  {domain.StatusCommitting},
			domain.StatusCommitting:   {domain.StatusCompleted, domain.StatusFailed},
			domain.StatusFailed:       {StatusInsuranceValidated},
		}, domain.StatusInitiated, StatusOrderStaged, StatusInsuranceValidating, StatusInsuranceValidated),
		Requires: map[domain.Status][]string{
			StatusOrderStaged:        {"order", "insurance_items"},
			StatusInsuranceValidated: {"order", "insurance_items"},
		},
		ReadyState:      StatusInsuranceValidated,
		CommittingState: domain.StatusCommitting,
		SuccessState:    domain.StatusCompleted,
		FailureState:    domain.StatusFailed,
		SystemOnly: []domain.Status{
			StatusInsuranceValidating,
			StatusInsuranceValidated,
			domain.StatusRejected,
			domain.StatusExpired,
		},
		TTL: 48 * time.Hour,
		Steps: []StepSpec{
			{Name: "order", Required: true, Advances: StatusOrderStaged, Emits: domain.EventOrderCreated},
			{Name: "insurance_items", Required: true, Advances: StatusOrderStaged, Emits: domain.EventOrderCreated},
		},
		Plan: []PlanStep{
			{EntityType: "insurance_record", Required: true, Source: "insurance_items", NaturalKey: "order_reference"},
			{EntityType: "coverage", Required: true, Source: "insurance_items", DependsOn: []string{"insurance_record"}},
			{EntityType: "policy_document", Source: "order", DependsOn: []string{"insurance_record"}},
		},
	}
}
